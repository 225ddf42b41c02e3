package rendezvous

import "errors"

// ════════════════════════════════════════════════════════════════════════════
//                              运行时错误
// ════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotStarted 运行时未启动
	ErrNotStarted = errors.New("runtime not started")

	// ErrAlreadyStarted 运行时已启动
	ErrAlreadyStarted = errors.New("runtime already started")

	// ErrRuntimeClosed 运行时已关闭
	ErrRuntimeClosed = errors.New("runtime closed")
)

// ════════════════════════════════════════════════════════════════════════════
//                              选项错误
// ════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidOption 选项参数无效
	ErrInvalidOption = errors.New("invalid option")
)
