package config

import "errors"

// PlacementConfig 内存暂存配置
type PlacementConfig struct {
	// DeviceMemoryBytes 内置设备内存池容量（字节），0 表示不限
	DeviceMemoryBytes int64 `json:"device_memory_bytes"`

	// VerifyNoAlias 校验拷贝结果不与输入共享数据，共享时强制深拷贝
	VerifyNoAlias bool `json:"verify_no_alias"`
}

// DefaultPlacementConfig 返回默认暂存配置
func DefaultPlacementConfig() PlacementConfig {
	return PlacementConfig{
		DeviceMemoryBytes: 1 << 30, // 设备内存池：1 GB
		VerifyNoAlias:     true,
	}
}

// Validate 验证暂存配置
func (c PlacementConfig) Validate() error {
	if c.DeviceMemoryBytes < 0 {
		return errors.New("placement device memory must not be negative")
	}
	return nil
}
