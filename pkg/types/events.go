package types

import "time"

// ============================================================================
//                              事件类型
// ============================================================================

// EvtIncarnationChanged 设备 incarnation 变化事件
//
// 由传输层（握手、重连）或外部发现服务发布，IncarnationGuard 订阅。
type EvtIncarnationChanged struct {
	// Device 设备名
	Device string

	// Incarnation 新的 incarnation
	Incarnation uint64

	// Previous 之前记录的 incarnation（未知时为 0）
	Previous uint64

	// Source 来源（handshake/notify/manual）
	Source string

	// Timestamp 事件时间
	Timestamp time.Time
}

// EvtTransferAborted 批量中止事件
type EvtTransferAborted struct {
	// Scope 中止范围（table/device/session）
	Scope string

	// Reason 中止原因
	Reason error

	// Count 被释放的条目数
	Count int

	// Timestamp 事件时间
	Timestamp time.Time
}

// EvtSessionClosed 客户端会话结束事件
type EvtSessionClosed struct {
	// SessionID 会话 ID
	SessionID string

	// Released 拆除时释放的条目数
	Released int

	// Timestamp 事件时间
	Timestamp time.Time
}
