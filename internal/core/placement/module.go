package placement

import (
	"go.uber.org/fx"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
)

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// Config 配置（可选）
	Config *config.Config `optional:"true"`

	// Engine 外部拷贝引擎（可选，缺省使用内置设备内存池）
	Engine interfaces.CopyEngine `optional:"true"`

	// Observer 观察者（可选）
	Observer Observer `optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	// Adapter 暂存适配器
	Adapter interfaces.PlacementAdapter

	// Releaser 供匹配表归还被丢弃的在途值
	Releaser interfaces.ValueReleaser
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) ModuleOutput {
	cfg := config.DefaultPlacementConfig()
	if input.Config != nil {
		cfg = input.Config.Placement
	}

	engine := input.Engine
	if engine == nil {
		engine = NewArenaEngine(cfg.DeviceMemoryBytes)
		logger.Debug("使用内置设备内存池", "capacity", cfg.DeviceMemoryBytes)
	}

	var opts []Option
	if input.Observer != nil {
		opts = append(opts, WithObserver(input.Observer))
	}

	adapter := NewAdapter(cfg, engine, opts...)
	return ModuleOutput{
		Adapter:  adapter,
		Releaser: adapter,
	}
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module(Name,
		fx.Provide(ProvideServices),
	)
}

// 模块元信息常量
const (
	Version     = "1.0.0"
	Name        = "placement"
	Description = "主机/设备内存暂存模块"
)
