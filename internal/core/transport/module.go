package transport

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/internal/core/transport/tcp"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
)

var logger = log.Logger("core/transport")

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// Config 配置（可选）
	Config *config.Config `optional:"true"`

	// EventBus 事件总线（可选），用于发布对端 incarnation
	EventBus interfaces.EventBus `optional:"true"`
}

// ModuleOutput 定义模块输出服务
//
// 未配置跨进程通信时两者均为 nil。
type ModuleOutput struct {
	fx.Out

	TCP       *tcp.Transport
	Transport interfaces.Transport
}

// Enabled 判断配置是否需要跨进程传输
func Enabled(cfg config.TransportConfig) bool {
	return cfg.ListenAddr != "" || len(cfg.Peers) > 0
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	cfg := config.DefaultTransportConfig()
	if input.Config != nil {
		cfg = input.Config.Transport
	}
	if !Enabled(cfg) {
		logger.Debug("未配置跨进程传输，以单进程模式运行")
		return ModuleOutput{}, nil
	}

	var opts []tcp.Option
	if input.EventBus != nil {
		opts = append(opts, tcp.WithEventBus(input.EventBus))
	}
	t, err := tcp.New(cfg, opts...)
	if err != nil {
		return ModuleOutput{}, err
	}

	logger.Debug("创建 TCP 传输", "listen", cfg.ListenAddr, "peers", len(cfg.Peers))
	return ModuleOutput{
		TCP:       t,
		Transport: t,
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
	LC  fx.Lifecycle
	TCP *tcp.Transport `optional:"true"`
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	if input.TCP == nil {
		return
	}
	input.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return input.TCP.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			return input.TCP.Close()
		},
	})
}

// 模块元信息常量
const (
	Version     = "1.0.0"
	Name        = "transport"
	Description = "跨进程传输装配，提供 TCP + yamux 传输"
)
