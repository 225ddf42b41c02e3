package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/internal/core/eventbus"
	"github.com/dep2p/go-rendezvous/internal/core/incarnation"
	"github.com/dep2p/go-rendezvous/internal/core/placement"
	"github.com/dep2p/go-rendezvous/internal/core/router"
	"github.com/dep2p/go-rendezvous/internal/core/table"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
)

var logger = log.Logger("core/metrics")

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// Config 配置（可选）
	Config *config.Config `optional:"true"`

	// Registerer 指标注册器（可选，缺省为私有 Registry）
	Registerer prometheus.Registerer `optional:"true"`

	// Bus 事件总线（可选，存在时导出事件计数）
	Bus *eventbus.Bus `optional:"true"`
}

// ModuleOutput 定义模块输出服务
//
// 指标关闭时全部为 nil，各模块退回空观察者。
type ModuleOutput struct {
	fx.Out

	Collector *Collector

	TableObserver       table.Observer
	PlacementObserver   placement.Observer
	IncarnationObserver incarnation.Observer
	RouterObserver      router.Observer
}

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	cfg := config.DefaultMetricsConfig()
	if input.Config != nil {
		cfg = input.Config.Metrics
	}
	if !cfg.Enable {
		logger.Debug("指标已关闭")
		return ModuleOutput{}, nil
	}

	reg := input.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c, err := New(cfg.Namespace, reg)
	if err != nil {
		return ModuleOutput{}, err
	}
	if err := c.WatchBus(input.Bus, reg); err != nil {
		return ModuleOutput{}, err
	}

	return ModuleOutput{
		Collector:           c,
		TableObserver:       c,
		PlacementObserver:   c,
		IncarnationObserver: c,
		RouterObserver:      c,
	}, nil
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
	Name        = "metrics"
	Description = "Prometheus 指标，观察匹配表、暂存、incarnation、路由与事件总线"
)
