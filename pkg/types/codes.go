package types

import (
	"errors"
	"fmt"
)

// Code 跨进程传输的错误码
type Code uint32

const (
	// CodeOK 成功
	CodeOK Code = iota
	// CodeDuplicateKey 对应 ErrDuplicateKey
	CodeDuplicateKey
	// CodeCancelled 对应 ErrCancelled
	CodeCancelled
	// CodeDeadlineExceeded 对应 ErrDeadlineExceeded
	CodeDeadlineExceeded
	// CodeStaleIncarnation 对应 ErrStaleIncarnation
	CodeStaleIncarnation
	// CodePlacementFailed 对应 ErrPlacementFailed
	CodePlacementFailed
	// CodeInvalidKey 对应 ErrInvalidKey
	CodeInvalidKey
	// CodeModeConflict 对应 ErrModeConflict
	CodeModeConflict
	// CodeUnknownDevice 对应 ErrUnknownDevice
	CodeUnknownDevice
	// CodeInternal 其他错误
	CodeInternal
)

// codeErrors 错误码与哨兵错误的对应关系，按匹配优先级排列
var codeErrors = []struct {
	code Code
	err  error
}{
	{CodeStaleIncarnation, ErrStaleIncarnation},
	{CodeDuplicateKey, ErrDuplicateKey},
	{CodeDeadlineExceeded, ErrDeadlineExceeded},
	{CodePlacementFailed, ErrPlacementFailed},
	{CodeInvalidKey, ErrInvalidKey},
	{CodeModeConflict, ErrModeConflict},
	{CodeUnknownDevice, ErrUnknownDevice},
	{CodeCancelled, ErrCancelled},
}

// CodeOf 返回错误对应的错误码
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// Err 根据错误码和远端消息还原错误
func (c Code) Err(msg string) error {
	if c == CodeOK {
		return nil
	}
	for _, ce := range codeErrors {
		if ce.code == c {
			if msg == "" || msg == ce.err.Error() {
				return ce.err
			}
			return fmt.Errorf("%w: remote: %s", ce.err, msg)
		}
	}
	return fmt.Errorf("remote error: %s", msg)
}

// String 返回错误码名称
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeDuplicateKey:
		return "duplicate_key"
	case CodeCancelled:
		return "cancelled"
	case CodeDeadlineExceeded:
		return "deadline_exceeded"
	case CodeStaleIncarnation:
		return "stale_incarnation"
	case CodePlacementFailed:
		return "placement_failed"
	case CodeInvalidKey:
		return "invalid_key"
	case CodeModeConflict:
		return "mode_conflict"
	case CodeUnknownDevice:
		return "unknown_device"
	default:
		return "internal"
	}
}
