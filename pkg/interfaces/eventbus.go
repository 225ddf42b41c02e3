package interfaces

// EventBus 进程内事件总线
//
// 事件按 Go 类型分发，类型以指针形式传入，例如 new(types.EvtIncarnationChanged)。
// 目前流经总线的事件：
//   - EvtIncarnationChanged: 传输握手或手动更新发布，守卫订阅
//   - EvtTransferAborted: 运行时批量中止时发布
//   - EvtSessionClosed: 客户端会话拆除时发布
//
// 发射不阻塞，订阅者缓冲区满时丢弃事件，Emit 返回错误告知调用方。
type EventBus interface {
	// Subscribe 订阅某类事件
	Subscribe(eventType interface{}, opts ...SubscriptionOpt) (Subscription, error)

	// Emitter 返回某类事件的发射器
	Emitter(eventType interface{}, opts ...EmitterOpt) (Emitter, error)
}

// Subscription 事件订阅
type Subscription interface {
	// Out 事件通道，Close 后关闭
	Out() <-chan interface{}

	// Close 取消订阅，可重复调用
	Close() error
}

// Emitter 事件发射器
type Emitter interface {
	// Emit 发射事件，事件类型须与创建时一致；
	// 有订阅者未收到时返回错误，其余订阅者照常收到
	Emit(event interface{}) error

	// Close 关闭发射器，可重复调用
	Close() error
}

// SubscriptionOpt 订阅选项
type SubscriptionOpt func(*SubscriptionSettings)

// EmitterOpt 发射器选项
type EmitterOpt func(*EmitterSettings)

// SubscriptionSettings 订阅设置
type SubscriptionSettings struct {
	// Buffer 通道容量，0 表示无缓冲（无人读取时全部丢弃）
	Buffer int
}

// EmitterSettings 发射器设置
type EmitterSettings struct {
	// Stateful 保留最后一个事件，新订阅者立即收到
	Stateful bool
}

// BufSize 设置订阅通道容量
func BufSize(size int) SubscriptionOpt {
	return func(s *SubscriptionSettings) {
		s.Buffer = size
	}
}

// Stateful 保留最后一个事件
func Stateful() EmitterOpt {
	return func(s *EmitterSettings) {
		s.Stateful = true
	}
}
