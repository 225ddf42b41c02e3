package config

import (
	"errors"
	"time"
)

// RouterConfig 投递模式路由配置
type RouterConfig struct {
	// LocalDevices 本进程拥有的设备
	LocalDevices []string `json:"local_devices"`

	// LocalIncarnation 本进程各设备的 incarnation，0 表示启动时随机生成
	LocalIncarnation uint64 `json:"local_incarnation"`

	// ModeCacheSize 记录张量名投递模式的缓存容量
	ModeCacheSize int `json:"mode_cache_size"`

	// PushBufferWarn 主动推送缓冲超过该条目数时告警，0 表示不告警
	PushBufferWarn int `json:"push_buffer_warn"`

	// WarnEvery 告警最小间隔
	WarnEvery Duration `json:"warn_every"`
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ModeCacheSize:  4096,                      // 模式缓存：4096 个张量名
		PushBufferWarn: 1024,                      // 推送缓冲告警：1024 条
		WarnEvery:      Duration(10 * time.Second), // 告警间隔：10 秒
	}
}

// Validate 验证路由配置
func (c RouterConfig) Validate() error {
	if c.ModeCacheSize <= 0 {
		return errors.New("router mode cache size must be positive")
	}
	if c.PushBufferWarn < 0 {
		return errors.New("router push buffer warn must not be negative")
	}
	if c.WarnEvery <= 0 {
		return errors.New("router warn interval must be positive")
	}
	seen := make(map[string]struct{}, len(c.LocalDevices))
	for _, d := range c.LocalDevices {
		if d == "" {
			return errors.New("router local device must not be empty")
		}
		if _, ok := seen[d]; ok {
			return errors.New("router local device listed twice: " + d)
		}
		seen[d] = struct{}{}
	}
	return nil
}

// WithLocalDevices 设置本地设备
func (c RouterConfig) WithLocalDevices(devices ...string) RouterConfig {
	c.LocalDevices = append([]string(nil), devices...)
	return c
}
