package config

import (
	"errors"
	"fmt"
)

// ValidateAll 验证整个配置的有效性
//
// 依次执行 Config.Validate() 与 ValidateCompatibility()。
func ValidateAll(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return ValidateCompatibility(c)
}

// ValidateAndFix 验证配置并尝试自动修复常见问题
//
// 可修复的问题：
//   - 非正的分片数、缓存容量、缓冲区、超时 -> 使用默认值
//   - 负的接收超时 -> 不设超时
//   - 重复的本地设备 -> 去重
//   - 空的指标命名空间 -> 使用默认值
func ValidateAndFix(c *Config) (*Config, error) {
	if c == nil {
		return NewConfig(), nil
	}
	def := NewConfig()

	// 匹配表
	if c.Table.Shards <= 0 {
		c.Table.Shards = def.Table.Shards
	}
	if c.Table.DefaultRecvTimeout < 0 {
		c.Table.DefaultRecvTimeout = 0
	}

	// 路由
	if c.Router.ModeCacheSize <= 0 {
		c.Router.ModeCacheSize = def.Router.ModeCacheSize
	}
	if c.Router.WarnEvery <= 0 {
		c.Router.WarnEvery = def.Router.WarnEvery
	}
	c.Router.LocalDevices = dedupe(c.Router.LocalDevices)

	// 守卫
	if c.Incarnation.EventBuffer <= 0 {
		c.Incarnation.EventBuffer = def.Incarnation.EventBuffer
	}

	// 传输
	if c.Transport.DialTimeout <= 0 {
		c.Transport.DialTimeout = def.Transport.DialTimeout
	}
	if c.Transport.MaxFrameSize <= 0 {
		c.Transport.MaxFrameSize = def.Transport.MaxFrameSize
	}
	if c.Transport.KeepAliveInterval <= 0 {
		c.Transport.KeepAliveInterval = def.Transport.KeepAliveInterval
	}

	// 会话
	if c.ClientScope.ClosedSessionMemory <= 0 {
		c.ClientScope.ClosedSessionMemory = def.ClientScope.ClosedSessionMemory
	}
	if c.ClientScope.Shards <= 0 {
		c.ClientScope.Shards = def.ClientScope.Shards
	}

	// 指标
	if c.Metrics.Enable && c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}

	// 验证修复后的配置
	if err := ValidateAll(c); err != nil {
		return nil, fmt.Errorf("validation failed after fixes: %w", err)
	}
	return c, nil
}

// MustValidate 验证配置，如果失败则 panic
//
// 仅用于初始化阶段或测试代码。
func MustValidate(c *Config) {
	if err := ValidateAll(c); err != nil {
		panic(fmt.Sprintf("config validation failed: %v", err))
	}
}

// ValidateCompatibility 验证配置之间的兼容性
//
// 检查：
//   - 设备不能既是本地设备又是远端设备
//   - 配置了远端设备时必须声明本地设备，否则所有设备都视为本地
//   - 本地设备的 incarnation 由路由器登记，不能出现在初始记录中
func ValidateCompatibility(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}

	local := make(map[string]struct{}, len(c.Router.LocalDevices))
	for _, d := range c.Router.LocalDevices {
		local[d] = struct{}{}
	}

	if len(c.Transport.Peers) > 0 && len(local) == 0 {
		return errors.New("transport peers configured but router has no local devices")
	}
	for device := range c.Transport.Peers {
		if _, ok := local[device]; ok {
			return fmt.Errorf("device %s is both local and a transport peer", device)
		}
	}
	for device := range c.Incarnation.Initial {
		if _, ok := local[device]; ok {
			return fmt.Errorf("device %s is local and must not have an initial incarnation record", device)
		}
	}
	return nil
}

// dedupe 保序去重
func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
