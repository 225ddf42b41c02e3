package table

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

	// Clock 时钟（可选，测试注入）
	Clock clock.Clock `optional:"true"`

	// Observer 观察者（可选，由 metrics 模块提供）
	Observer Observer `optional:"true"`

	// Releaser 丢弃值的归还者（可选，由 placement 模块提供）
	Releaser interfaces.ValueReleaser `optional:"true"`
}

// ============================================================================
//                              模块输出服务
// ============================================================================

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	// Table 匹配表实现
	Table *Table

	// LocalTable 接口形式
	LocalTable interfaces.Table
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) ModuleOutput {
	cfg := config.DefaultTableConfig()
	if input.Config != nil {
		cfg = input.Config.Table
	}

	t := New(cfg, WithClock(input.Clock), WithObserver(input.Observer), WithReleaser(input.Releaser))
	return ModuleOutput{
		Table:      t,
		LocalTable: t,
	}
}

// ============================================================================
//                              模块定义
// ============================================================================

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
	Table *Table
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("匹配表启动", "shards", len(input.Table.shards))
			return nil
		},
		OnStop: func(_ context.Context) error {
			logger.Info("匹配表停止", "pending", input.Table.Len())
			return input.Table.Close()
		},
	})
}

// ============================================================================
//                              模块元信息
// ============================================================================

// 模块元信息常量
const (
	Version     = "1.0.0"
	Name        = "table"
	Description = "本地 rendezvous 匹配表，负责 send/recv 的配对与取消"
)
