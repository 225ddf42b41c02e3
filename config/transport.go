package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// TransportConfig 跨进程传输配置
//
// 内置 TCP 传输使用 yamux 多路复用，每次调用占用一条流。
type TransportConfig struct {
	// ListenAddr 监听地址，空表示不对外服务
	ListenAddr string `json:"listen_addr"`

	// Peers 远端设备到进程地址的映射（device -> host:port）
	Peers map[string]string `json:"peers,omitempty"`

	// DialTimeout 建连超时
	DialTimeout Duration `json:"dial_timeout"`

	// CompressThreshold 载荷超过该字节数时压缩，0 表示不压缩
	CompressThreshold int `json:"compress_threshold"`

	// MaxFrameSize 单帧最大字节数
	MaxFrameSize int `json:"max_frame_size"`

	// MaxStreamWindowSize yamux 流窗口
	MaxStreamWindowSize uint32 `json:"max_stream_window_size"`

	// KeepAliveInterval yamux 保活间隔
	KeepAliveInterval Duration `json:"keep_alive_interval"`
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:         Duration(10 * time.Second), // 建连超时：10 秒
		CompressThreshold:   64 * 1024,                  // 压缩阈值：64 KB
		MaxFrameSize:        256 << 20,                  // 最大帧：256 MB
		MaxStreamWindowSize: 1 << 20,                    // 流窗口：1 MB
		KeepAliveInterval:   Duration(30 * time.Second), // 保活：30 秒
	}
}

// Validate 验证传输配置
func (c TransportConfig) Validate() error {
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return fmt.Errorf("transport listen addr: %w", err)
		}
	}
	for device, addr := range c.Peers {
		if device == "" {
			return errors.New("transport peer device must not be empty")
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("transport peer %s: %w", device, err)
		}
	}
	if c.DialTimeout <= 0 {
		return errors.New("transport dial timeout must be positive")
	}
	if c.CompressThreshold < 0 {
		return errors.New("transport compress threshold must not be negative")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("transport max frame size must be positive")
	}
	if c.MaxStreamWindowSize < 256*1024 {
		return errors.New("transport stream window must be at least 256 KB")
	}
	if c.KeepAliveInterval <= 0 {
		return errors.New("transport keep alive interval must be positive")
	}
	return nil
}

// WithPeer 添加远端设备地址
func (c TransportConfig) WithPeer(device, addr string) TransportConfig {
	peers := make(map[string]string, len(c.Peers)+1)
	for k, v := range c.Peers {
		peers[k] = v
	}
	peers[device] = addr
	c.Peers = peers
	return c
}
