package router

import (
	"context"
	"time"

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

	Table     interfaces.Table
	Placement interfaces.PlacementAdapter

	// Guard incarnation 守卫（可选）
	Guard interfaces.IncarnationGuard `optional:"true"`

	// Transport 跨进程传输（可选，缺省为单进程）
	Transport interfaces.Transport `optional:"true"`

	// Clock 时钟（可选）
	Clock clock.Clock `optional:"true"`

	// Observer 观察者（可选）
	Observer Observer `optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Router            *Router
	DeliveryRouter    interfaces.Router
	Handler           interfaces.Handler
	IncarnationSource interfaces.IncarnationSource
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	cfg := config.DefaultRouterConfig()
	var recvTimeout time.Duration
	if input.Config != nil {
		cfg = input.Config.Router
		recvTimeout = input.Config.Table.DefaultRecvTimeout.Duration()
	}

	r, err := New(cfg, Deps{
		Table:       input.Table,
		Placement:   input.Placement,
		Guard:       input.Guard,
		Transport:   input.Transport,
		Clock:       input.Clock,
		Observer:    input.Observer,
		RecvTimeout: recvTimeout,
	})
	if err != nil {
		return ModuleOutput{}, err
	}

	return ModuleOutput{
		Router:            r,
		DeliveryRouter:    r,
		Handler:           r,
		IncarnationSource: r,
	}, nil
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
	LC        fx.Lifecycle
	Router    *Router
	Transport interfaces.Transport `optional:"true"`
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	// 传输层回调路由器
	if b, ok := input.Transport.(interfaces.HandlerBinder); ok {
		b.BindHandler(input.Router)
	}

	input.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return input.Router.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			logger.Info("路由器停止")
			return nil
		},
	})
}

// 模块元信息常量
const (
	Version     = "1.0.0"
	Name        = "router"
	Description = "投递模式路由，分派被动取值与主动推送"
)
