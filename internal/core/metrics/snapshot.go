package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot 指标快照
type Snapshot struct {
	PendingValues  int64
	PendingWaiters int64

	Delivered uint64
	Cancelled uint64
	Aborted   uint64

	// Failures 按错误码统计
	Failures map[string]uint64

	Copies       uint64
	CopyFailures uint64
	BytesCopied  uint64

	Rejected    uint64
	Invalidated uint64

	LocalRoutes   uint64
	RemoteRoutes  uint64
	ModeConflicts uint64

	// EventsEmitted / EventsDropped 事件总线计数
	EventsEmitted uint64
	EventsDropped uint64
}

// Snapshot 读取当前指标值
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Failures: make(map[string]uint64),
	}

	each(c.pending, func(labels map[string]string, v float64) {
		switch labels["kind"] {
		case "value":
			s.PendingValues += int64(v)
		case "waiter":
			s.PendingWaiters += int64(v)
		}
	})
	s.Delivered = uint64(value(c.delivered))
	s.Cancelled = uint64(value(c.cancelled))
	s.Aborted = uint64(value(c.aborted))
	each(c.failures, func(labels map[string]string, v float64) {
		s.Failures[labels["code"]] += uint64(v)
	})

	each(c.copies, func(labels map[string]string, v float64) {
		s.Copies += uint64(v)
		if labels["result"] != "ok" {
			s.CopyFailures += uint64(v)
		}
	})
	each(c.bytes, func(_ map[string]string, v float64) {
		s.BytesCopied += uint64(v)
	})

	s.Rejected = uint64(value(c.rejected))
	s.Invalidated = uint64(value(c.invalidated))

	each(c.routed, func(labels map[string]string, v float64) {
		if labels["path"] == "remote" {
			s.RemoteRoutes += uint64(v)
		} else {
			s.LocalRoutes += uint64(v)
		}
	})
	s.ModeConflicts = uint64(value(c.conflicts))

	if c.events != nil {
		for _, st := range c.events.bus.Stats() {
			s.EventsEmitted += uint64(st.Emitted)
			s.EventsDropped += uint64(st.Dropped)
		}
	}
	return s
}

// read 读取单个指标的数值（计数器或仪表）
func read(m prometheus.Metric) (map[string]string, float64) {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return nil, 0
	}
	labels := make(map[string]string, len(out.GetLabel()))
	for _, lp := range out.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	switch {
	case out.Counter != nil:
		return labels, out.GetCounter().GetValue()
	case out.Gauge != nil:
		return labels, out.GetGauge().GetValue()
	default:
		return labels, 0
	}
}

func value(m prometheus.Metric) float64 {
	_, v := read(m)
	return v
}

// each 遍历向量中的每个子指标
func each(col prometheus.Collector, fn func(labels map[string]string, v float64)) {
	ch := make(chan prometheus.Metric)
	go func() {
		col.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		fn(read(m))
	}
}
