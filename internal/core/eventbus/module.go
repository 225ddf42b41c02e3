package eventbus

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
)

// ============================================================================
//                              Fx 模块
// ============================================================================

// Result Fx 模块输出结果
type Result struct {
	fx.Out

	Bus      *Bus
	EventBus interfaces.EventBus
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module(Name,
		fx.Provide(ProvideEventBus),
		fx.Invoke(registerLifecycle),
	)
}

// ProvideEventBus 提供 EventBus 实例
func ProvideEventBus() Result {
	bus := NewBus()
	return Result{
		Bus:      bus,
		EventBus: bus,
	}
}

// lifecycleInput 生命周期输入参数
type lifecycleInput struct {
	fx.In
	LC  fx.Lifecycle
	Bus *Bus
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			logger.Debug("事件总线关闭")
			return input.Bus.Close()
		},
	})
}

// ============================================================================
//                              模块元信息
// ============================================================================

const (
	// Version 模块版本
	Version = "1.0.0"
	// Name 模块名称
	Name = "eventbus"
	// Description 模块描述
	Description = "事件总线模块，分发 incarnation 变化、会话结束与批量中止事件"
)
