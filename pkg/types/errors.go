// Package types 定义 rendezvous 的基础类型
//
// 本文件定义所有公共错误类型。
package types

import (
	"errors"
	"fmt"
)

// ============================================================================
//                              传输错误
// ============================================================================

var (
	// ErrDuplicateKey 同一键上出现两个生产者或两个消费者
	ErrDuplicateKey = errors.New("duplicate rendezvous key")

	// ErrCancelled 键或其所属 step 已被取消
	ErrCancelled = errors.New("rendezvous cancelled")

	// ErrDeadlineExceeded 阻塞接收超时
	ErrDeadlineExceeded = errors.New("rendezvous deadline exceeded")

	// ErrStaleIncarnation 远端进程已重启
	ErrStaleIncarnation = errors.New("stale device incarnation")

	// ErrPlacementFailed 内存拷贝或分配失败
	ErrPlacementFailed = errors.New("memory placement failed")
)

// ============================================================================
//                              辅助错误
// ============================================================================

var (
	// ErrInvalidKey 无效的键
	ErrInvalidKey = errors.New("invalid rendezvous key")

	// ErrModeConflict 同一张量名混用了两种投递模式
	ErrModeConflict = errors.New("delivery mode conflict")

	// ErrUnknownDevice 未知设备（无可用路由）
	ErrUnknownDevice = errors.New("unknown device")

	// ErrInvalidOp 原语与调用方向不符
	ErrInvalidOp = errors.New("invalid op for call")
)

// 生命周期错误。均包装 ErrCancelled，调用方可统一按取消处理。
var (
	// ErrTableClosed 表已关闭
	ErrTableClosed = fmt.Errorf("rendezvous table closed: %w", ErrCancelled)

	// ErrScopeClosed 客户端会话已结束
	ErrScopeClosed = fmt.Errorf("client scope closed: %w", ErrCancelled)

	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = fmt.Errorf("transport closed: %w", ErrCancelled)
)

// ============================================================================
//                              TransferError
// ============================================================================

// TransferError 附带操作与键信息的传输错误
type TransferError struct {
	// Op 操作名（send/recv/cancel/lookup/deliver）
	Op string

	// Key 相关键
	Key RendezvousKey

	// Err 底层错误
	Err error
}

// Error 实现 error 接口
func (e *TransferError) Error() string {
	return fmt.Sprintf("rendezvous %s %s: %v", e.Op, e.Key.String(), e.Err)
}

// Unwrap 支持 errors.Is/As
func (e *TransferError) Unwrap() error {
	return e.Err
}

// NewTransferError 包装错误；err 为 nil 时返回 nil
func NewTransferError(op string, key RendezvousKey, err error) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if errors.As(err, &te) && te.Key == key {
		return err
	}
	return &TransferError{Op: op, Key: key, Err: err}
}

// ============================================================================
//                              中止错误
// ============================================================================

// abortError 中止原因；同时满足 errors.Is(err, ErrCancelled) 与 errors.Is(err, cause)
type abortError struct {
	cause error
}

func (e *abortError) Error() string {
	return fmt.Sprintf("rendezvous aborted: %v", e.cause)
}

func (e *abortError) Unwrap() []error {
	return []error{ErrCancelled, e.cause}
}

// AbortError 将中止原因包装为取消错误
//
// cause 已经是取消类错误时原样返回。
func AbortError(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return &abortError{cause: cause}
}
