package clientscope

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/internal/core/table"
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

	Placement interfaces.PlacementAdapter

	// EventBus 事件总线（可选）
	EventBus interfaces.EventBus `optional:"true"`

	// Clock 时钟（可选）
	Clock clock.Clock `optional:"true"`

	// Observer 私有表观察者（可选）
	Observer table.Observer `optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Manager *Manager
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	cfg := config.DefaultClientScopeConfig()
	opts := []Option{WithClock(input.Clock)}
	if input.Config != nil {
		cfg = input.Config.ClientScope
		opts = append(opts, WithTableConfig(input.Config.Table))
	}
	if input.Observer != nil {
		opts = append(opts, WithObserver(input.Observer))
	}
	if input.EventBus != nil {
		opts = append(opts, WithEventBus(input.EventBus))
	}

	m, err := NewManager(cfg, input.Placement, opts...)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Manager: m}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module(Name,
		fx.Provide(ProvideServices),
		fx.Invoke(registerLifecycle),
	)
}

// lifecycleInput 生命周期输入参数
type lifecycleInput struct {
	fx.In
	LC      fx.Lifecycle
	Manager *Manager
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return input.Manager.Start()
		},
		OnStop: func(_ context.Context) error {
			return input.Manager.Close()
		},
	})
}

// 模块元信息常量
const (
	Version     = "1.0.0"
	Name        = "clientscope"
	Description = "客户端会话作用域，feed/fetch 私有匹配表"
)
