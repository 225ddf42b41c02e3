// Package placement 实现主机/设备内存暂存
//
// 发送端把值暂存到原语要求的内存空间（Host 变体为主机内存，标准变体为设备内存），
// 接收端再暂存到消费者执行上下文要求的内存空间。
// 同一空间之间原样返回，不触发拷贝。
//
// 实际拷贝由外部 CopyEngine 完成；未提供时使用 ArenaEngine，
// 它以字节预算模拟设备内存，用于测试与单机部署。
package placement
