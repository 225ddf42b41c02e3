// Package incarnation 实现远端进程 incarnation 守卫
//
// 每个进程启动时为自己的设备生成 incarnation，并写入它发出的每个
// RendezvousKey。对端重启后 incarnation 改变，守卫据此：
//   - 拒绝携带旧 incarnation 的远端请求（ErrStaleIncarnation）
//   - 失效本地表中引用旧 incarnation 的等待者与挂起值
//
// 记录来源有三种：配置初始值、传输层握手（经事件总线）、手动 Update。
package incarnation
