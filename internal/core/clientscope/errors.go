package clientscope

import "errors"

var (
	// ErrTooManySessions 打开的会话数达到上限
	ErrTooManySessions = errors.New("too many client sessions")
)
