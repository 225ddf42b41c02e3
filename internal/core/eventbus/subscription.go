package eventbus

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// ============================================================================
//                              Subscription
// ============================================================================

// Subscription 事件订阅
type Subscription struct {
	bus       *Bus
	typ       reflect.Type
	out       chan interface{}
	closeOnce sync.Once
}

// Out 返回事件通道，Close 后通道关闭
func (s *Subscription) Out() <-chan interface{} {
	return s.out
}

// Close 取消订阅，可多次调用
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		// 移除后 emit 不会再写入 out
		s.bus.removeSub(s)
		close(s.out)
	})
	return nil
}

// ============================================================================
//                              Emitter
// ============================================================================

// Emitter 事件发射器
type Emitter struct {
	bus       *Bus
	node      *node
	typ       reflect.Type
	closed    atomic.Bool
	closeOnce sync.Once
}

// Emit 发射事件；事件类型必须与发射器类型一致
func (e *Emitter) Emit(event interface{}) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}
	if reflect.TypeOf(event) != e.typ {
		return ErrInvalidEventType
	}

	e.bus.mu.RLock()
	closed := e.bus.closed
	e.bus.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if n := e.node.emit(event); n > 0 {
		return fmt.Errorf("%w: %d subscriber(s) of %s", ErrEventDropped, n, e.typ)
	}
	return nil
}

// Close 关闭发射器
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if e.node.nEmitters.Add(-1) == 0 {
			e.bus.tryDropNode(e.typ)
		}
	})
	return nil
}
