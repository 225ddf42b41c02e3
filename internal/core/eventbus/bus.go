package eventbus

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
)

var logger = log.Logger("core/eventbus")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrClosed 事件总线已关闭
	ErrClosed = errors.New("eventbus closed")
	// ErrInvalidEventType 无效的事件类型
	ErrInvalidEventType = errors.New("invalid event type")
	// ErrNonPointerType 非指针类型
	ErrNonPointerType = errors.New("subscribe called with non-pointer type")
	// ErrEmitterClosed 发射器已关闭
	ErrEmitterClosed = errors.New("emitter closed")
	// ErrEventDropped 至少一个订阅者因缓冲区满未收到事件
	ErrEventDropped = errors.New("event dropped")
)

// defaultBuffer 订阅默认缓冲区大小
const defaultBuffer = 16

// ============================================================================
//                              Bus 实现
// ============================================================================

// Bus 按事件类型分发的进程内事件总线
//
// 发射从不阻塞：订阅者缓冲区满时丢弃事件并告警（限速），
// Emit 以 ErrEventDropped 告知调用方，其余订阅者照常收到。
type Bus struct {
	mu     sync.RWMutex
	nodes  map[reflect.Type]*node
	closed bool

	// retired 已回收节点的累计计数，保证统计单调
	retired map[reflect.Type]TypeStats
}

// TypeStats 单个事件类型的统计
type TypeStats struct {
	Subscribers int
	Emitters    int
	Emitted     int64
	Dropped     int64
}

// node 单个事件类型的订阅者集合
type node struct {
	lk        sync.Mutex
	typ       reflect.Type
	sinks     []*Subscription
	nEmitters atomic.Int32
	keepLast  bool
	last      interface{}

	emitted atomic.Int64
	dropped atomic.Int64
	warn    *rate.Limiter
}

// 确保实现接口
var _ interfaces.EventBus = (*Bus)(nil)

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		nodes:   make(map[reflect.Type]*node),
		retired: make(map[reflect.Type]TypeStats),
	}
}

// elemType 校验并返回事件类型（参数必须是指针）
func elemType(eventType interface{}) (reflect.Type, error) {
	if eventType == nil {
		return nil, ErrInvalidEventType
	}
	typ := reflect.TypeOf(eventType)
	if typ.Kind() != reflect.Ptr {
		return nil, ErrNonPointerType
	}
	return typ.Elem(), nil
}

// Subscribe 订阅事件，eventType 形如 new(types.EvtSessionClosed)
func (b *Bus) Subscribe(eventType interface{}, opts ...interfaces.SubscriptionOpt) (interfaces.Subscription, error) {
	typ, err := elemType(eventType)
	if err != nil {
		return nil, err
	}

	settings := interfaces.SubscriptionSettings{Buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.Buffer < 0 {
		settings.Buffer = 0
	}

	sub := &Subscription{
		bus: b,
		typ: typ,
		out: make(chan interface{}, settings.Buffer),
	}

	err = b.withNode(typ, func(n *node) {
		n.sinks = append(n.sinks, sub)
		if n.keepLast && n.last != nil {
			select {
			case sub.out <- n.last:
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Emitter 获取事件发射器
func (b *Bus) Emitter(eventType interface{}, opts ...interfaces.EmitterOpt) (interfaces.Emitter, error) {
	typ, err := elemType(eventType)
	if err != nil {
		return nil, err
	}

	var settings interfaces.EmitterSettings
	for _, opt := range opts {
		opt(&settings)
	}

	var n *node
	err = b.withNode(typ, func(nd *node) {
		n = nd
		n.nEmitters.Add(1)
		if settings.Stateful {
			n.keepLast = true
		}
	})
	if err != nil {
		return nil, err
	}

	return &Emitter{bus: b, node: n, typ: typ}, nil
}

// Dropped 返回某事件类型累计丢弃数
func (b *Bus) Dropped(eventType interface{}) int64 {
	typ, err := elemType(eventType)
	if err != nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.statsLocked(typ).Dropped
}

// Stats 返回全部事件类型的统计，键为类型名（如 types.EvtSessionClosed）
func (b *Bus) Stats() map[string]TypeStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]TypeStats, len(b.nodes)+len(b.retired))
	for typ := range b.retired {
		out[typ.String()] = b.statsLocked(typ)
	}
	for typ := range b.nodes {
		out[typ.String()] = b.statsLocked(typ)
	}
	return out
}

// statsLocked 合并活跃节点与已回收计数，调用方持有 b.mu
func (b *Bus) statsLocked(typ reflect.Type) TypeStats {
	st := b.retired[typ]
	if n, ok := b.nodes[typ]; ok {
		n.lk.Lock()
		st.Subscribers = len(n.sinks)
		n.lk.Unlock()
		st.Emitters = int(n.nEmitters.Load())
		st.Emitted += n.emitted.Load()
		st.Dropped += n.dropped.Load()
	}
	return st
}

// Close 关闭总线，关闭全部订阅
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var subs []*Subscription
	for _, n := range b.nodes {
		n.lk.Lock()
		subs = append(subs, n.sinks...)
		n.lk.Unlock()
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// ============================================================================
//                              内部方法
// ============================================================================

// withNode 在节点锁内执行 cb，节点不存在时创建
func (b *Bus) withNode(typ reflect.Type, cb func(*node)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	n, ok := b.nodes[typ]
	if !ok {
		n = &node{
			typ:  typ,
			warn: rate.NewLimiter(rate.Every(10*time.Second), 1),
		}
		b.nodes[typ] = n
	}

	n.lk.Lock()
	b.mu.Unlock()

	cb(n)
	n.lk.Unlock()
	return nil
}

// tryDropNode 没有订阅者与发射器时删除节点
func (b *Bus) tryDropNode(typ reflect.Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[typ]
	if !ok {
		return
	}
	n.lk.Lock()
	idle := len(n.sinks) == 0 && n.nEmitters.Load() == 0 && !n.keepLast
	n.lk.Unlock()
	if idle {
		st := b.retired[typ]
		st.Emitted += n.emitted.Load()
		st.Dropped += n.dropped.Load()
		b.retired[typ] = st
		delete(b.nodes, typ)
	}
}

// removeSub 移除订阅
func (b *Bus) removeSub(sub *Subscription) {
	b.mu.RLock()
	n, ok := b.nodes[sub.typ]
	b.mu.RUnlock()
	if !ok {
		return
	}

	n.lk.Lock()
	for i, s := range n.sinks {
		if s == sub {
			n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
			break
		}
	}
	n.lk.Unlock()

	b.tryDropNode(sub.typ)
}

// emit 发射事件到全部订阅者，不阻塞，返回丢弃的订阅者数
func (n *node) emit(event interface{}) int {
	n.lk.Lock()
	defer n.lk.Unlock()

	n.emitted.Add(1)
	if n.keepLast {
		n.last = event
	}

	missed := 0
	for _, sub := range n.sinks {
		select {
		case sub.out <- event:
		default:
			missed++
			dropped := n.dropped.Add(1)
			if n.warn.Allow() {
				logger.Warn("慢消费者检测",
					"type", n.typ.String(),
					"dropped", dropped,
					"reason", "subscriber buffer full")
			}
		}
	}
	return missed
}
