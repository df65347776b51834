package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/searchktools/fast-exchange/core/pools"
	"go.uber.org/zap"
)

// PoolStats is a point-in-time view of the engine's pools and connections
type PoolStats struct {
	Connections ConnectionStats        `json:"connections"`
	Requests    pools.BoundedPoolStats `json:"requests"`
	Responses   pools.BoundedPoolStats `json:"responses"`
	Workers     pools.WorkerPoolStats  `json:"workers"`
	GC          pools.GCStats          `json:"gc"`
}

type ConnectionStats struct {
	Active   int    `json:"active"`
	Max      int    `json:"max"`
	Admitted uint64 `json:"admitted"`
	Rejected uint64 `json:"rejected"`
}

// GetPoolStats returns statistics for all pools
func (e *Engine) GetPoolStats() PoolStats {
	stats := PoolStats{
		Connections: ConnectionStats{
			Active:   e.tracker.Len(),
			Max:      e.tracker.Max(),
			Admitted: e.tracker.Admitted(),
			Rejected: e.tracker.Rejected(),
		},
		Workers: e.workers.Stats(),
		GC:      pools.GetGCStats(),
	}
	stats.Requests, stats.Responses = e.messages.Stats()
	return stats
}

// GetPoolStatsJSON returns pool statistics as JSON string
func (e *Engine) GetPoolStatsJSON() string {
	data, _ := json.MarshalIndent(e.GetPoolStats(), "", "  ")
	return string(data)
}

// String renders the stats as aligned plain text
func (s PoolStats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "connections  active=%d max=%d admitted=%d rejected=%d\n",
		s.Connections.Active, s.Connections.Max, s.Connections.Admitted, s.Connections.Rejected)
	writeBounded(&b, "requests", s.Requests)
	writeBounded(&b, "responses", s.Responses)
	fmt.Fprintf(&b, "workers      n=%d submitted=%d completed=%d pending=%d scheduled=%d steals=%d/%d\n",
		s.Workers.NumWorkers, s.Workers.TasksSubmitted, s.Workers.TasksCompleted,
		s.Workers.TasksPending, s.Workers.TasksScheduled,
		s.Workers.StealsSuccess, s.Workers.StealsSuccess+s.Workers.StealsFailed)
	fmt.Fprintf(&b, "gc           profile=%s percent=%d limit=%d num=%d avg_pause=%s heap=%d goroutines=%d\n",
		s.GC.Settings.Profile, s.GC.Settings.Percent, s.GC.Settings.MemoryLimit,
		s.GC.NumGC, s.GC.AvgPause, s.GC.HeapBytes, s.GC.NumGoroutine)
	return b.String()
}

func writeBounded(b *strings.Builder, name string, s pools.BoundedPoolStats) {
	fmt.Fprintf(b, "%-12s max=%d created=%d idle=%d in_use=%d gets=%d puts=%d waits=%d\n",
		name, s.Max, s.Created, s.Idle, s.InUse, s.Gets, s.Puts, s.Waits)
}

// registerPoolGauges exposes pool occupancy at scrape time
func (e *Engine) registerPoolGauges() {
	if e.metrics == nil {
		return
	}

	inUse := func(pool string) func() float64 {
		return func() float64 {
			req, resp := e.messages.Stats()
			if pool == "request" {
				return float64(req.InUse)
			}
			return float64(resp.InUse)
		}
	}

	gauges := []struct {
		name, help string
		labels     prometheus.Labels
		fn         func() float64
	}{
		{"fast_pool_in_use", "Pooled objects currently lent out.", prometheus.Labels{"pool": "request"}, inUse("request")},
		{"fast_pool_in_use", "Pooled objects currently lent out.", prometheus.Labels{"pool": "response"}, inUse("response")},
		{"fast_workers_pending", "Tasks submitted to the worker pool and not yet finished.", nil, func() float64 {
			return float64(e.workers.Stats().TasksPending)
		}},
		{"fast_connections_rejected", "Connections turned away by the admission ceiling.", nil, func() float64 {
			return float64(e.tracker.Rejected())
		}},
	}

	for _, g := range gauges {
		if err := e.metrics.GaugeFunc(g.name, g.help, g.labels, g.fn); err != nil {
			e.log.Warn("gauge registration failed", zap.String("name", g.name), zap.Error(err))
		}
	}
}
