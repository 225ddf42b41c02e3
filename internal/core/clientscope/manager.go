package clientscope

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/internal/core/table"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

var logger = log.Logger("core/clientscope")

type emitterRef struct{ em interfaces.Emitter }

// Manager 客户端会话管理器
type Manager struct {
	cfg       config.ClientScopeConfig
	tableCfg  config.TableConfig
	placement interfaces.PlacementAdapter
	clock     clock.Clock
	observer  table.Observer
	bus       interfaces.EventBus

	emitter atomic.Pointer[emitterRef]

	mu     sync.Mutex
	open   map[string]*Scope
	recent *lru.Cache[string, struct{}]
	closed bool
}

// Option 管理器选项
type Option func(*Manager)

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithObserver 设置会话私有表的观察者
func WithObserver(o table.Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithEventBus 设置事件总线，会话结束时发布 EvtSessionClosed
func WithEventBus(bus interfaces.EventBus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithTableConfig 设置私有表的基础配置（分片数仍取自会话配置）
func WithTableConfig(cfg config.TableConfig) Option {
	return func(m *Manager) {
		m.tableCfg = cfg
	}
}

// NewManager 创建会话管理器
func NewManager(cfg config.ClientScopeConfig, placement interfaces.PlacementAdapter, opts ...Option) (*Manager, error) {
	if placement == nil {
		return nil, fmt.Errorf("client scope requires a placement adapter")
	}
	size := cfg.ClosedSessionMemory
	if size <= 0 {
		size = config.DefaultClientScopeConfig().ClosedSessionMemory
	}
	recent, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create closed session cache: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		tableCfg:  config.DefaultTableConfig(),
		placement: placement,
		clock:     clock.New(),
		open:      make(map[string]*Scope),
		recent:    recent,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start 创建会话结束事件的发射器
func (m *Manager) Start() error {
	if m.bus == nil || m.emitter.Load() != nil {
		return nil
	}
	em, err := m.bus.Emitter(new(types.EvtSessionClosed))
	if err != nil {
		return fmt.Errorf("create session emitter: %w", err)
	}
	m.emitter.Store(&emitterRef{em: em})
	return nil
}

// Open 打开会话
//
// id 为空时生成新 ID；id 已打开时返回同一会话；最近关闭过的 id 返回 ErrScopeClosed。
func (m *Manager) Open(id string) (*Scope, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: manager closed", types.ErrScopeClosed)
	}
	if s, ok := m.open[id]; ok {
		return s, nil
	}
	if m.recent.Contains(id) {
		return nil, fmt.Errorf("%w: session %s already ended", types.ErrScopeClosed, id)
	}
	if m.cfg.MaxSessions > 0 && len(m.open) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, m.cfg.MaxSessions)
	}

	tcfg := m.tableCfg
	if m.cfg.Shards > 0 {
		tcfg.Shards = m.cfg.Shards
	}
	opts := []table.Option{table.WithClock(m.clock)}
	if m.observer != nil {
		opts = append(opts, table.WithObserver(m.observer))
	}
	if rel, ok := m.placement.(interfaces.ValueReleaser); ok {
		opts = append(opts, table.WithReleaser(rel))
	}

	s := &Scope{
		id:        id,
		table:     table.New(tcfg, opts...),
		placement: m.placement,
		manager:   m,
	}
	m.open[id] = s
	logger.Debug("会话打开", "session", id, "open", len(m.open))
	return s, nil
}

// Get 返回已打开的会话
func (m *Manager) Get(id string) (*Scope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[id]
	return s, ok
}

// Len 返回打开的会话数
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// closeScope 由 Scope.Teardown 调用
func (m *Manager) closeScope(s *Scope) {
	m.mu.Lock()
	if m.open[s.id] == s {
		delete(m.open, s.id)
	}
	m.recent.Add(s.id, struct{}{})
	m.mu.Unlock()

	if ref := m.emitter.Load(); ref != nil {
		evt := types.EvtSessionClosed{
			SessionID: s.id,
			Released:  s.released,
			Timestamp: m.clock.Now(),
		}
		if err := ref.em.Emit(evt); err != nil {
			logger.Debug("发布会话结束事件失败", "session", s.id, "err", err)
		}
	}
}

// Close 结束全部会话，之后不能再打开新会话
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	scopes := make([]*Scope, 0, len(m.open))
	for _, s := range m.open {
		scopes = append(scopes, s)
	}
	m.mu.Unlock()

	var err error
	for _, s := range scopes {
		err = multierr.Append(err, s.Teardown())
	}
	if ref := m.emitter.Swap(nil); ref != nil {
		err = multierr.Append(err, ref.em.Close())
	}
	if len(scopes) > 0 {
		logger.Info("会话管理器关闭", "sessions", len(scopes))
	}
	return err
}
