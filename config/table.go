package config

import (
	"errors"
	"time"
)

// TableConfig 本地匹配表配置
type TableConfig struct {
	// Shards 分片数（按键哈希分片以降低锁竞争）
	Shards int `json:"shards"`

	// DefaultRecvTimeout 阻塞接收的默认超时，0 表示只受 ctx 约束
	DefaultRecvTimeout Duration `json:"default_recv_timeout"`
}

// DefaultTableConfig 返回默认表配置
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Shards:             32, // 分片数：32
		DefaultRecvTimeout: 0,  // 默认不设超时
	}
}

// Validate 验证表配置
func (c TableConfig) Validate() error {
	if c.Shards <= 0 {
		return errors.New("table shards must be positive")
	}
	if c.Shards > 1<<16 {
		return errors.New("table shards must not exceed 65536")
	}
	if c.DefaultRecvTimeout < 0 {
		return errors.New("table default recv timeout must not be negative")
	}
	return nil
}

// WithShards 设置分片数
func (c TableConfig) WithShards(n int) TableConfig {
	c.Shards = n
	return c
}

// WithDefaultRecvTimeout 设置默认接收超时
func (c TableConfig) WithDefaultRecvTimeout(d time.Duration) TableConfig {
	c.DefaultRecvTimeout = Duration(d)
	return c
}
