// Package interfaces 定义 rendezvous 公共接口
//
// 本文件定义 LocalRendezvousTable 接口。
package interfaces

import (
	"context"
	"time"

	"github.com/dep2p/go-rendezvous/pkg/types"
)

// DoneCallback 异步接收的完成回调
//
// 恰好被调用一次：要么带值（err 为 nil），要么带错误。
// 回调在执行匹配 send 的 goroutine 上内联执行，不得阻塞等待同一张表。
type DoneCallback func(value types.Value, err error)

// RecvOptions 异步接收选项
type RecvOptions struct {
	// Deadline 截止时间，零值表示不限
	Deadline time.Time
}

// RecvHandle 异步接收的可取消句柄
type RecvHandle interface {
	// Cancel 取消等待；等待者仍在表中时以 ErrCancelled 释放并返回 true
	Cancel() bool

	// Done 回调执行完毕后关闭
	Done() <-chan struct{}
}

// Table 进程内 rendezvous 匹配表
//
// 对同一键，Send 与 Recv 中后到者完成传输并移除条目。
type Table interface {
	// Send 投递值；已有等待者时立即交付，否则暂存
	Send(key types.RendezvousKey, value types.Value) error

	// Recv 阻塞接收，直到匹配、取消或 ctx 到期
	Recv(ctx context.Context, key types.RendezvousKey) (types.Value, error)

	// RecvAsync 非阻塞接收
	RecvAsync(key types.RendezvousKey, opts RecvOptions, cb DoneCallback) RecvHandle

	// Cancel 取消单个键
	Cancel(key types.RendezvousKey)

	// StartAbort 以给定错误中止全部条目，之后的调用均失败直到 Reset
	StartAbort(err error)

	// AbortMatching 以给定错误中止满足条件的条目，返回释放的条目数
	AbortMatching(match func(types.RendezvousKey) bool, err error) int

	// Reset step 级清理：清除中止状态与取消记录
	Reset()

	// Len 返回挂起条目数
	Len() int
}
