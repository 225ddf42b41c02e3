// Package types 定义 rendezvous 的基础类型
//
// 包含：
//   - RendezvousKey: 一次逻辑传输的不可变标识
//   - Value: 被传输的不透明张量值
//   - MemoryKind / DeliveryMode / OpKind: 内存空间、投递模式与原语的枚举
//   - 公共错误与跨进程错误码
//   - 事件总线上的事件类型
package types
