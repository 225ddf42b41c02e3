package incarnation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

var logger = log.Logger("core/incarnation")

// Source 取值
const (
	SourceManual    = "manual"
	SourceHandshake = "handshake"
	SourceConfig    = "config"
)

// Observer 守卫观察者（用于指标）
type Observer interface {
	// Rejected 因 incarnation 不一致拒绝了一次远端访问
	Rejected(device string)

	// Invalidated 记录更新使 n 个挂起条目失效
	Invalidated(device string, n int)
}

// Guard 远端进程身份守卫
//
// 记录每个设备最后已知的 incarnation。记录变化时，
// 引用旧 incarnation 的挂起条目以 ErrStaleIncarnation 失效。
// 未记录的设备不做校验。
type Guard struct {
	mu      sync.RWMutex
	records map[string]uint64

	table    interfaces.Table
	clock    clock.Clock
	observer Observer

	// aborted 发布批量失效事件（Start 之后可用）
	aborted atomic.Pointer[emitterRef]

	bus     interfaces.EventBus
	buffer  int
	sub     interfaces.Subscription
	running atomic.Bool
	wg      sync.WaitGroup
}

type emitterRef struct {
	em interfaces.Emitter
}

// 确保实现接口
var _ interfaces.IncarnationGuard = (*Guard)(nil)

// Option 守卫选项
type Option func(*Guard)

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithObserver 设置观察者
func WithObserver(o Observer) Option {
	return func(g *Guard) {
		g.observer = o
	}
}

// WithEventBus 订阅 incarnation 变化事件并发布批量失效事件
func WithEventBus(bus interfaces.EventBus, buffer int) Option {
	return func(g *Guard) {
		g.bus = bus
		if buffer > 0 {
			g.buffer = buffer
		}
	}
}

// New 创建守卫
//
// table 为失效扫描的目标，initial 为启动时已知的记录。
func New(table interfaces.Table, initial map[string]uint64, opts ...Option) *Guard {
	g := &Guard{
		records: make(map[string]uint64, len(initial)),
		table:   table,
		clock:   clock.New(),
		buffer:  64,
	}
	for device, inc := range initial {
		g.records[device] = inc
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ============================================================================
//                              校验
// ============================================================================

// Check 比较期望的 incarnation 与记录
func (g *Guard) Check(device string, expected uint64) error {
	g.mu.RLock()
	current, ok := g.records[device]
	g.mu.RUnlock()

	if !ok || current == expected {
		return nil
	}

	if g.observer != nil {
		g.observer.Rejected(device)
	}
	logger.Warn("incarnation 不一致", "device", device, "expected", expected, "current", current)
	return fmt.Errorf("%w: %s expected %016x, current %016x", types.ErrStaleIncarnation, device, expected, current)
}

// Admit 校验键的发送端 incarnation 后执行 fn
//
// fn 执行期间如果 Update 改变了记录，fn 写入表的条目可能错过失效扫描，
// 此时针对该键补扫一次。
func (g *Guard) Admit(key types.RendezvousKey, fn func() error) error {
	if err := g.Check(key.SendDevice, key.SendDeviceIncarnation); err != nil {
		return types.NewTransferError("admit", key, err)
	}
	if err := fn(); err != nil {
		return err
	}

	err := g.Check(key.SendDevice, key.SendDeviceIncarnation)
	if err == nil || g.table == nil {
		return nil
	}
	n := g.table.AbortMatching(func(k types.RendezvousKey) bool { return k == key }, types.ErrStaleIncarnation)
	if n == 0 {
		// 已经在更新之前交付
		return nil
	}
	return types.NewTransferError("admit", key, err)
}

// ============================================================================
//                              更新
// ============================================================================

// Update 记录设备的新 incarnation，返回失效的挂起条目数
func (g *Guard) Update(device string, incarnation uint64) int {
	return g.update(device, incarnation, SourceManual)
}

func (g *Guard) update(device string, incarnation uint64, source string) int {
	if device == "" {
		return 0
	}

	g.mu.Lock()
	prev, known := g.records[device]
	if known && prev == incarnation {
		g.mu.Unlock()
		return 0
	}
	g.records[device] = incarnation
	g.mu.Unlock()

	n := 0
	if g.table != nil {
		n = g.table.AbortMatching(func(k types.RendezvousKey) bool {
			return k.SendDevice == device && k.SendDeviceIncarnation != incarnation
		}, types.ErrStaleIncarnation)
	}

	if known {
		logger.Warn("设备 incarnation 变化",
			"device", device,
			"previous", prev,
			"incarnation", incarnation,
			"source", source,
			"invalidated", n)
	} else {
		logger.Debug("记录设备 incarnation", "device", device, "incarnation", incarnation, "source", source)
	}

	if n > 0 {
		if g.observer != nil {
			g.observer.Invalidated(device, n)
		}
		if ref := g.aborted.Load(); ref != nil {
			_ = ref.em.Emit(types.EvtTransferAborted{
				Scope:     "device:" + device,
				Reason:    types.ErrStaleIncarnation,
				Count:     n,
				Timestamp: g.clock.Now(),
			})
		}
	}
	return n
}

// Forget 删除设备记录
func (g *Guard) Forget(device string) {
	g.mu.Lock()
	delete(g.records, device)
	g.mu.Unlock()
}

// ============================================================================
//                              查询
// ============================================================================

// Incarnation 返回设备当前记录
func (g *Guard) Incarnation(device string) (uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inc, ok := g.records[device]
	return inc, ok
}

// Records 返回全部记录的快照
func (g *Guard) Records() map[string]uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]uint64, len(g.records))
	for k, v := range g.records {
		out[k] = v
	}
	return out
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 订阅 incarnation 变化事件
//
// 未配置事件总线时只标记为运行。
func (g *Guard) Start(_ context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.New("incarnation guard already running")
	}
	if g.bus == nil {
		return nil
	}

	em, err := g.bus.Emitter(new(types.EvtTransferAborted))
	if err != nil {
		g.running.Store(false)
		return fmt.Errorf("create abort emitter: %w", err)
	}
	sub, err := g.bus.Subscribe(new(types.EvtIncarnationChanged), interfaces.BufSize(g.buffer))
	if err != nil {
		_ = em.Close()
		g.running.Store(false)
		return fmt.Errorf("subscribe incarnation events: %w", err)
	}
	g.aborted.Store(&emitterRef{em: em})
	g.sub = sub

	g.wg.Add(1)
	go g.loop(sub)
	return nil
}

// loop 消费 incarnation 变化事件，直到订阅关闭
func (g *Guard) loop(sub interfaces.Subscription) {
	defer g.wg.Done()
	for evt := range sub.Out() {
		e, ok := evt.(types.EvtIncarnationChanged)
		if !ok {
			continue
		}
		source := e.Source
		if source == "" {
			source = SourceHandshake
		}
		g.update(e.Device, e.Incarnation, source)
	}
}

// Stop 停止事件循环
func (g *Guard) Stop() error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}
	if g.sub != nil {
		_ = g.sub.Close()
		g.wg.Wait()
		g.sub = nil
	}
	if ref := g.aborted.Swap(nil); ref != nil {
		_ = ref.em.Close()
	}
	return nil
}
