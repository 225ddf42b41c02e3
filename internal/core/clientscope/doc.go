// Package clientscope 实现客户端会话私有的 rendezvous 作用域
//
// 每个会话持有一张私有匹配表，所有键在进入表前都被标记为
// ClientTerminated，feed/fetch 与图内传输互不可见。
//
// 会话只能结束一次：Teardown 以 ErrScopeClosed 释放全部挂起条目，
// 发布 EvtSessionClosed，之后该会话上的所有调用失败。
// Manager 记住最近关闭的会话 ID，迟到的 Open 不会重建已结束的会话。
package clientscope
