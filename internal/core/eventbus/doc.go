// Package eventbus 实现进程内事件总线
//
// 按事件类型分发，支持：
//   - 多订阅者
//   - 缓冲区配置
//   - 发射器引用计数
//   - 有状态模式（新订阅者收到最后一个事件）
//
// # 快速开始
//
//	bus := eventbus.NewBus()
//
//	sub, _ := bus.Subscribe(new(types.EvtIncarnationChanged))
//	defer sub.Close()
//
//	go func() {
//	    for evt := range sub.Out() {
//	        e := evt.(types.EvtIncarnationChanged)
//	        // 处理事件
//	    }
//	}()
//
//	em, _ := bus.Emitter(new(types.EvtIncarnationChanged))
//	defer em.Close()
//	em.Emit(types.EvtIncarnationChanged{Device: dev, Incarnation: inc})
//
// # 事件
//
//   - types.EvtIncarnationChanged：传输层握手发现对端重启，incarnation 守卫订阅
//   - types.EvtSessionClosed：客户端会话拆除
//   - types.EvtTransferAborted：批量中止（step 中止、incarnation 失效）
//
// # 并发安全
//
// 发射从不阻塞；订阅者缓冲区满时丢弃事件，并以限速日志告警。
package eventbus
