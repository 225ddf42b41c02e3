package incarnation

import (
	"context"

	"github.com/benbjohnson/clock"
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

	// Table 失效扫描的目标表
	Table interfaces.Table

	// EventBus 事件总线（可选）
	EventBus interfaces.EventBus `optional:"true"`

	// Clock 时钟（可选）
	Clock clock.Clock `optional:"true"`

	// Observer 观察者（可选）
	Observer Observer `optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	// Guard 守卫实现
	Guard *Guard

	// IncarnationGuard 接口形式
	IncarnationGuard interfaces.IncarnationGuard
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) ModuleOutput {
	cfg := config.DefaultIncarnationConfig()
	if input.Config != nil {
		cfg = input.Config.Incarnation
	}

	opts := []Option{WithClock(input.Clock)}
	if input.Observer != nil {
		opts = append(opts, WithObserver(input.Observer))
	}
	if input.EventBus != nil {
		opts = append(opts, WithEventBus(input.EventBus, cfg.EventBuffer))
	}

	g := New(input.Table, cfg.Initial, opts...)
	return ModuleOutput{
		Guard:            g,
		IncarnationGuard: g,
	}
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
	LC    fx.Lifecycle
	Guard *Guard
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("incarnation 守卫启动", "records", len(input.Guard.Records()))
			return input.Guard.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			logger.Info("incarnation 守卫停止")
			return input.Guard.Stop()
		},
	})
}

// 模块元信息常量
const (
	Version     = "1.0.0"
	Name        = "incarnation"
	Description = "远端进程 incarnation 守卫，失效已重启进程的挂起传输"
)
