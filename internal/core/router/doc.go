// Package router 实现投递模式路由
//
// 两种投递模式共享同一种 RendezvousKey 与同样的内存暂存处理：
//
//	被动 (_Send/_Recv, _HostSend/_HostRecv)
//	    发送端写入本进程的表；接收端与发送端同进程时直接在表中等待，
//	    否则经 Transport.RemoteLookup 向发送端进程取值。
//
//	主动推送 (_st*/_St*)
//	    发送端把值直接投递到接收端进程的表（RemoteDeliver），
//	    接收端只在本地表等待，不产生额外往返。
//
// 同一张量名在其生命周期内只能使用一种模式，混用返回 ErrModeConflict。
// 所有面向远端的路径都经过 incarnation 守卫。
package router
