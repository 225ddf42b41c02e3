// Package mocks 提供统一的测试 Mock 实现
//
// # 外部协作者 Mock
//
//   - MockTransport: 模拟 interfaces.Transport，可绑定 Handler
//   - MockCopyEngine: 模拟 interfaces.CopyEngine
//
// # 设计原则
//
// 1. 函数式注入: 每个 Mock 都支持通过 XxxFunc 字段注入自定义行为
// 2. 调用记录: 记录调用历史，便于验证测试行为
//
// # 使用示例
//
//	tr := mocks.NewMockTransport()
//	tr.RemoteLookupFunc = func(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
//	    return types.Value{}, types.ErrStaleIncarnation
//	}
//	rt, _ := rendezvous.New(rendezvous.WithTransport(tr), rendezvous.WithLocalDevices(dev))
//
//	// 验证调用
//	if len(tr.LookupCalls()) != 1 {
//	    t.Error("expected one lookup")
//	}
package mocks
