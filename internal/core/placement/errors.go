package placement

import "errors"

var (
	// ErrNoCopyEngine 需要跨内存空间拷贝但未配置拷贝引擎
	ErrNoCopyEngine = errors.New("no copy engine configured")

	// ErrArenaExhausted 设备内存池容量不足
	ErrArenaExhausted = errors.New("device arena exhausted")

	// ErrUnsupportedCopy 不支持的拷贝方向
	ErrUnsupportedCopy = errors.New("unsupported copy direction")
)
