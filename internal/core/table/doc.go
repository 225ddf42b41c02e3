// Package table 实现进程内 rendezvous 匹配表
//
// 同一 RendezvousKey 上的 Send 与 Recv 以任意顺序到达，后到者完成传输：
//   - 先 Send：值暂存，等待消费者
//   - 先 Recv：登记等待者，由匹配的 Send 释放
//
// 每次成功匹配恰好交付一次，条目随即移除。
//
// # 取消与中止
//
//	tbl.Cancel(key)        // 单键取消，记录保留到 ClearCancelled/Reset
//	tbl.StartAbort(err)    // 全表中止，第一次的错误生效
//	tbl.Reset()            // step 结束后恢复可用
//
// # 回调
//
// RecvAsync 的回调在释放分片锁后、于完成匹配的 goroutine 上内联执行。
// 回调内可以再次调用本表，但不能阻塞等待另一条 Send。
//
// # 并发安全
//
// 表按 murmur3(key) 分片，每个分片一把互斥锁；
// 中止状态使用 atomic 指针，在分片锁内检查。
package table
