package rendezvous

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"

	"github.com/dep2p/go-rendezvous/internal/core/clientscope"
	"github.com/dep2p/go-rendezvous/internal/core/eventbus"
	"github.com/dep2p/go-rendezvous/internal/core/incarnation"
	"github.com/dep2p/go-rendezvous/internal/core/metrics"
	"github.com/dep2p/go-rendezvous/internal/core/placement"
	"github.com/dep2p/go-rendezvous/internal/core/router"
	"github.com/dep2p/go-rendezvous/internal/core/table"
	"github.com/dep2p/go-rendezvous/internal/core/transport"
	"github.com/dep2p/go-rendezvous/internal/core/transport/tcp"
)

// buildFxApp 构建 Fx 应用
//
// 模块按依赖顺序装配，OnStart 依次执行：
// 事件总线、守卫、路由器先于传输启动，保证首个远端请求到达时本地已就绪。
func buildFxApp(o *options, rt *Runtime) (*fx.App, error) {
	cfg := o.config
	if err := config.ValidateAll(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	modules := []fx.Option{
		fx.Supply(cfg),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 外部协作者（可选）
	// ════════════════════════════════════════════════════════════════════════
	if o.clock != nil {
		c := o.clock
		modules = append(modules, fx.Provide(func() clock.Clock { return c }))
	}
	if o.copyEngine != nil {
		e := o.copyEngine
		modules = append(modules, fx.Provide(func() interfaces.CopyEngine { return e }))
	}
	if o.registerer != nil {
		reg := o.registerer
		modules = append(modules, fx.Provide(func() prometheus.Registerer { return reg }))
	}

	// ════════════════════════════════════════════════════════════════════════
	// 1. 基础设施：事件总线、指标
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		eventbus.Module(),
		metrics.Module(),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 2. 匹配核心：匹配表、暂存、守卫、路由
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		table.Module(),
		placement.Module(),
		incarnation.Module(),
		router.Module(),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 3. 跨进程传输
	// ════════════════════════════════════════════════════════════════════════
	if o.transport != nil {
		t := o.transport
		modules = append(modules, fx.Provide(func() interfaces.Transport { return t }))
		if transport.Enabled(cfg.Transport) {
			logger.Warn("已注入外部传输，忽略 TCP 传输配置", "listen", cfg.Transport.ListenAddr)
		}
	} else {
		modules = append(modules, transport.Module())
	}

	// ════════════════════════════════════════════════════════════════════════
	// 4. 客户端会话
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, clientscope.Module())

	// 用户自定义选项
	modules = append(modules, o.userFxOptions...)

	// 注入组件到 Runtime
	modules = append(modules,
		fx.Invoke(injectRuntimeComponents(rt)),
		fx.NopLogger,
	)

	return fx.New(modules...), nil
}

// runtimeParams 注入到 Runtime 的组件
type runtimeParams struct {
	fx.In

	Config    *config.Config
	EventBus  interfaces.EventBus
	Table     *table.Table
	Guard     *incarnation.Guard
	Router    *router.Router
	Sessions  *clientscope.Manager
	Collector *metrics.Collector   `optional:"true"`
	TCP       *tcp.Transport       `optional:"true"`
	Transport interfaces.Transport `optional:"true"`
}

// injectRuntimeComponents 返回注入函数
func injectRuntimeComponents(rt *Runtime) func(runtimeParams) {
	return func(p runtimeParams) {
		rt.config = p.Config
		rt.bus = p.EventBus
		rt.table = p.Table
		rt.guard = p.Guard
		rt.router = p.Router
		rt.sessions = p.Sessions
		rt.collector = p.Collector
		rt.tcp = p.TCP
		rt.transport = p.Transport
	}
}
