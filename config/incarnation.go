package config

import "errors"

// IncarnationConfig incarnation 守卫配置
type IncarnationConfig struct {
	// Initial 启动时已知的设备 incarnation（device -> incarnation）
	Initial map[string]uint64 `json:"initial,omitempty"`

	// EventBuffer 订阅 incarnation 变化事件的缓冲区大小
	EventBuffer int `json:"event_buffer"`
}

// DefaultIncarnationConfig 返回默认守卫配置
func DefaultIncarnationConfig() IncarnationConfig {
	return IncarnationConfig{
		EventBuffer: 64,
	}
}

// Validate 验证守卫配置
func (c IncarnationConfig) Validate() error {
	if c.EventBuffer <= 0 {
		return errors.New("incarnation event buffer must be positive")
	}
	for device := range c.Initial {
		if device == "" {
			return errors.New("incarnation initial record has empty device")
		}
	}
	return nil
}
