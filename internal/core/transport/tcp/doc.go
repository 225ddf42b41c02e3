// Package tcp 实现基于 TCP + yamux 的跨进程传输
//
// 每个远端进程地址维护一个 yamux 会话，每次调用占用一条流。
//
// # 会话建立
//
//  1. 拨号方建立 TCP 连接并作为 yamux 客户端
//  2. 拨号方打开首条流，双方交换 hello 帧（本进程设备的 incarnation）
//  3. 之后拨号方为每次调用打开新流，监听方在流上分派给本地处理者
//
// 对端 incarnation 的变化以 EvtIncarnationChanged 发布到事件总线。
//
// # 流协议
//
//	请求方: lookup/deliver 帧 -> 等待 result 帧
//	服务方: 读取请求 -> 调用 Handler -> 写回 result 帧
//
// 请求方放弃等待时关闭流，服务方据此取消本地等待。
package tcp
