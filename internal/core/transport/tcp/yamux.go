package tcp

import (
	"io"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/dep2p/go-rendezvous/config"
)

// defaultYamuxConfig 返回默认的 yamux 配置
func defaultYamuxConfig() *yamux.Config {
	return &yamux.Config{
		AcceptBacklog:          256,
		EnableKeepAlive:        true,
		KeepAliveInterval:      30 * time.Second,
		ConnectionWriteTimeout: 10 * time.Second,
		MaxStreamWindowSize:    256 * 1024, // 256 KB
		StreamOpenTimeout:      75 * time.Second,
		StreamCloseTimeout:     5 * time.Minute,
		LogOutput:              io.Discard, // 禁用日志输出
	}
}

// yamuxConfig 将传输配置转换为 yamux.Config
func yamuxConfig(cfg config.TransportConfig) *yamux.Config {
	ycfg := defaultYamuxConfig()

	if cfg.MaxStreamWindowSize > 0 {
		ycfg.MaxStreamWindowSize = cfg.MaxStreamWindowSize
	}
	if cfg.KeepAliveInterval > 0 {
		ycfg.KeepAliveInterval = cfg.KeepAliveInterval.Duration()
	}
	if cfg.DialTimeout > 0 {
		ycfg.StreamOpenTimeout = cfg.DialTimeout.Duration()
	}
	return ycfg
}
