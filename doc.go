// Package rendezvous 提供基于 rendezvous 的点对点张量传输运行时
//
// 发送端与接收端通过 RendezvousKey 在匹配表中会合，后到者完成传输。
// Runtime 装配以下组件：
//   - 匹配表：进程内的 send/recv 会合
//   - 暂存适配器：主机/设备内存之间的拷贝
//   - incarnation 守卫：识别重启后的远端进程
//   - 路由器：被动取值与主动推送两种投递模式
//   - 传输：跨进程的 TCP + yamux（可选）
//   - 客户端会话：每个会话独立的 rendezvous 作用域
//
// 使用示例：
//
//	rt, err := rendezvous.New(
//	    rendezvous.WithLocalDevices("/job:worker/replica:0/task:0/device:CPU:0"),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := rt.Start(ctx); err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	key := types.NewKey(dev, rt.Incarnation(), dev, "edge_1")
//	_ = rt.Send(ctx, types.OpSend, key, value)
//	v, err := rt.Recv(ctx, types.OpRecv, key, types.MemoryHost)
package rendezvous
