// Package config 提供统一的配置管理
//
// 本包采用混合配置模式：
//   - 主 Config 结构体嵌入所有子配置
//   - 每个子配置在独立文件中定义
//   - 支持从 JSON / YAML 加载和保存配置
//
// 使用示例：
//
//	// 创建默认配置
//	cfg := config.NewConfig()
//	cfg.Router.LocalDevices = []string{"/job:worker/task:0/device:GPU:0"}
//
//	// 从文件加载
//	cfg, err := config.LoadFile("rendezvous.yaml")
package config

import "errors"

// Config 是 rendezvous 的完整配置结构
//
// 配置按照功能模块组织：
//   - Table: 本地匹配表
//   - Placement: 主机/设备内存暂存
//   - Incarnation: 远端 incarnation 守卫
//   - Router: 投递模式路由
//   - Transport: 跨进程传输
//   - ClientScope: 客户端会话作用域
//   - Metrics: 指标
type Config struct {
	// Table 本地匹配表配置
	Table TableConfig `json:"table"`

	// Placement 内存暂存配置
	Placement PlacementConfig `json:"placement"`

	// Incarnation incarnation 守卫配置
	Incarnation IncarnationConfig `json:"incarnation"`

	// Router 投递路由配置
	Router RouterConfig `json:"router"`

	// Transport 传输配置
	Transport TransportConfig `json:"transport"`

	// ClientScope 客户端会话配置
	ClientScope ClientScopeConfig `json:"client_scope"`

	// Metrics 指标配置
	Metrics MetricsConfig `json:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Table:       DefaultTableConfig(),
		Placement:   DefaultPlacementConfig(),
		Incarnation: DefaultIncarnationConfig(),
		Router:      DefaultRouterConfig(),
		Transport:   DefaultTransportConfig(),
		ClientScope: DefaultClientScopeConfig(),
		Metrics:     DefaultMetricsConfig(),
	}
}

// Validate 验证配置的有效性
//
// 检查所有子配置是否有效，如果发现无效配置则返回错误。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.Table.Validate(); err != nil {
		return err
	}
	if err := c.Placement.Validate(); err != nil {
		return err
	}
	if err := c.Incarnation.Validate(); err != nil {
		return err
	}
	if err := c.Router.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.ClientScope.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

// Clone 返回配置的深拷贝
func (c *Config) Clone() *Config {
	out := *c
	out.Router.LocalDevices = append([]string(nil), c.Router.LocalDevices...)
	if c.Transport.Peers != nil {
		out.Transport.Peers = make(map[string]string, len(c.Transport.Peers))
		for k, v := range c.Transport.Peers {
			out.Transport.Peers[k] = v
		}
	}
	if c.Incarnation.Initial != nil {
		out.Incarnation.Initial = make(map[string]uint64, len(c.Incarnation.Initial))
		for k, v := range c.Incarnation.Initial {
			out.Incarnation.Initial[k] = v
		}
	}
	return &out
}
