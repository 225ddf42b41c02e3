package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-rendezvous/internal/core/eventbus"
)

// busCollector 抓取时读取事件总线各类型的发射与丢弃计数
type busCollector struct {
	bus     *eventbus.Bus
	emitted *prometheus.Desc
	dropped *prometheus.Desc
}

func newBusCollector(namespace string, bus *eventbus.Bus) *busCollector {
	return &busCollector{
		bus: bus,
		emitted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "events", "emitted_total"),
			"Events emitted on the in-process bus, by event type.",
			[]string{"type"}, nil),
		dropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "events", "dropped_total"),
			"Events dropped because a subscriber buffer was full, by event type.",
			[]string{"type"}, nil),
	}
}

// Describe 实现 prometheus.Collector
func (c *busCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.emitted
	ch <- c.dropped
}

// Collect 实现 prometheus.Collector
func (c *busCollector) Collect(ch chan<- prometheus.Metric) {
	for name, st := range c.bus.Stats() {
		ch <- prometheus.MustNewConstMetric(c.emitted, prometheus.CounterValue, float64(st.Emitted), name)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Dropped), name)
	}
}

// WatchBus 导出事件总线统计
//
// reg 为 nil 时只用于 Snapshot。重复调用返回错误。
func (c *Collector) WatchBus(bus *eventbus.Bus, reg prometheus.Registerer) error {
	if bus == nil {
		return nil
	}
	if c.events != nil {
		return fmt.Errorf("event bus already watched")
	}
	events := newBusCollector(c.namespace, bus)
	if reg != nil {
		if err := reg.Register(events); err != nil {
			return fmt.Errorf("register event metrics: %w", err)
		}
	}
	c.events = events
	return nil
}
