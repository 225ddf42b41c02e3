// Package interfaces 定义 rendezvous 公共接口
//
// 接口按组件划分：
//   - table.go: LocalRendezvousTable 及异步接收句柄
//   - placement.go: 内存暂存与拷贝引擎
//   - incarnation.go: 远端 incarnation 守卫
//   - transport.go: 跨进程传输底座与本地处理者
//   - router.go: 投递模式路由与客户端作用域
//   - eventbus.go: 进程内事件总线
//
// 实现位于 internal/core 下对应的模块中，通过 fx 注入。
package interfaces
