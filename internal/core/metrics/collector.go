package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/dep2p/go-rendezvous/internal/core/incarnation"
	"github.com/dep2p/go-rendezvous/internal/core/placement"
	"github.com/dep2p/go-rendezvous/internal/core/router"
	"github.com/dep2p/go-rendezvous/internal/core/table"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

// Collector rendezvous 指标集合
type Collector struct {
	namespace string

	pending   *prometheus.GaugeVec
	delivered prometheus.Counter
	wait      prometheus.Histogram
	cancelled prometheus.Counter
	aborted   prometheus.Counter
	failures  *prometheus.CounterVec

	copies *prometheus.CounterVec
	bytes  *prometheus.CounterVec

	rejected    prometheus.Counter
	invalidated prometheus.Counter

	routed    *prometheus.CounterVec
	conflicts prometheus.Counter

	// events 事件总线统计，未调用 WatchBus 时为 nil
	events *busCollector
}

// 确保实现观察者接口
var (
	_ table.Observer       = (*Collector)(nil)
	_ placement.Observer   = (*Collector)(nil)
	_ incarnation.Observer = (*Collector)(nil)
	_ router.Observer      = (*Collector)(nil)
)

// New 创建指标集合并注册到 reg
func New(namespace string, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		namespace: namespace,

		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "pending",
			Help:      "Pending rendezvous entries by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "delivered_total",
			Help:      "Completed send/recv matches.",
		}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "wait_seconds",
			Help:      "Time the first arrival waited for its match.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "cancelled_total",
			Help:      "Keys cancelled.",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "aborted_total",
			Help:      "Entries released by bulk abort.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "failures_total",
			Help:      "Calls that ended with an error, by error code.",
		}, []string{"code"}),
		copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "copies_total",
			Help:      "Cross memory space copies.",
		}, []string{"from", "to", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "bytes_total",
			Help:      "Bytes copied across memory spaces.",
		}, []string{"from", "to"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incarnation",
			Name:      "rejected_total",
			Help:      "Remote accesses rejected for a stale incarnation.",
		}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incarnation",
			Name:      "invalidated_total",
			Help:      "Pending entries invalidated by an incarnation change.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routed_total",
			Help:      "Send/recv calls by op and path.",
		}, []string{"op", "path"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "mode_conflicts_total",
			Help:      "Tensor names used with mixed delivery modes.",
		}),
	}

	if reg != nil {
		var err error
		for _, col := range c.collectors() {
			err = multierr.Append(err, reg.Register(col))
		}
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.pending, c.delivered, c.wait, c.cancelled, c.aborted, c.failures,
		c.copies, c.bytes,
		c.rejected, c.invalidated,
		c.routed, c.conflicts,
	}
}

// ============================================================================
//                              table.Observer
// ============================================================================

// EntryAdded 实现 table.Observer
func (c *Collector) EntryAdded(kind table.EntryKind) {
	c.pending.WithLabelValues(kind.String()).Inc()
}

// EntryRemoved 实现 table.Observer
func (c *Collector) EntryRemoved(kind table.EntryKind) {
	c.pending.WithLabelValues(kind.String()).Dec()
}

// Delivered 实现 table.Observer
func (c *Collector) Delivered(latency time.Duration) {
	c.delivered.Inc()
	c.wait.Observe(latency.Seconds())
}

// Cancelled 实现 table.Observer
func (c *Collector) Cancelled(n int) {
	c.cancelled.Add(float64(n))
}

// Aborted 实现 table.Observer
func (c *Collector) Aborted(n int) {
	c.aborted.Add(float64(n))
}

// Failed 实现 table.Observer
func (c *Collector) Failed(err error) {
	c.failures.WithLabelValues(types.CodeOf(err).String()).Inc()
}

// ============================================================================
//                              其他观察者
// ============================================================================

// Staged 实现 placement.Observer
func (c *Collector) Staged(from, to types.MemoryKind, bytes int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		c.bytes.WithLabelValues(from.String(), to.String()).Add(float64(bytes))
	}
	c.copies.WithLabelValues(from.String(), to.String(), result).Inc()
}

// Rejected 实现 incarnation.Observer
func (c *Collector) Rejected(string) {
	c.rejected.Inc()
}

// Invalidated 实现 incarnation.Observer
func (c *Collector) Invalidated(_ string, n int) {
	c.invalidated.Add(float64(n))
}

// Routed 实现 router.Observer
func (c *Collector) Routed(op types.OpKind, remote bool) {
	path := "local"
	if remote {
		path = "remote"
	}
	c.routed.WithLabelValues(op.String(), path).Inc()
}

// Conflict 实现 router.Observer
func (c *Collector) Conflict(string) {
	c.conflicts.Inc()
}
