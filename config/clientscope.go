package config

import "errors"

// ClientScopeConfig 客户端会话作用域配置
type ClientScopeConfig struct {
	// MaxSessions 同时打开的最大会话数，0 表示不限
	MaxSessions int `json:"max_sessions"`

	// ClosedSessionMemory 记住最近关闭的会话数，防止迟到请求重建会话
	ClosedSessionMemory int `json:"closed_session_memory"`

	// Shards 会话私有表的分片数
	Shards int `json:"shards"`
}

// DefaultClientScopeConfig 返回默认会话配置
func DefaultClientScopeConfig() ClientScopeConfig {
	return ClientScopeConfig{
		MaxSessions:         0,
		ClosedSessionMemory: 1024,
		Shards:              4,
	}
}

// Validate 验证会话配置
func (c ClientScopeConfig) Validate() error {
	if c.MaxSessions < 0 {
		return errors.New("client scope max sessions must not be negative")
	}
	if c.ClosedSessionMemory <= 0 {
		return errors.New("client scope closed session memory must be positive")
	}
	if c.Shards <= 0 {
		return errors.New("client scope shards must be positive")
	}
	return nil
}
