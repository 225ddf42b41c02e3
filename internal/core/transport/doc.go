// Package transport 装配跨进程传输
//
// 配置了监听地址或远端设备地址时，模块提供基于 TCP + yamux 的传输（见 tcp 子包），
// 否则不提供传输，路由器以单进程模式运行。
//
// # 子包
//
//   - codec: 帧编解码（protobuf wire 格式，zstd 压缩）
//   - tcp: TCP + yamux 传输
//   - mem: 进程内传输，用于测试与单进程多 "进程" 模拟
//
// # 配置示例
//
//	transport:
//	  listen_addr: 0.0.0.0:7070
//	  peers:
//	    /job:ps/replica:0/task:0/device:CPU:0: 10.0.0.2:7070
package transport
