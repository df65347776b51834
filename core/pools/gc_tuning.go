package pools

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// GC profile names accepted by ApplyGCProfile
const (
	GCProfileDefault    = "default"
	GCProfileThroughput = "throughput"
	GCProfileLatency    = "latency"
)

// budgetHeadroom is added to the exchange budget for everything that is not
// a buffered request body: code, pools, goroutine stacks.
const budgetHeadroom = 64 << 20

var appliedProfile atomic.Value

// GCSettings are the collector settings in effect
type GCSettings struct {
	Profile     string `json:"profile"`
	Percent     int    `json:"percent"`
	MemoryLimit int64  `json:"memory_limit"`
}

// MemoryBudget estimates how much heap the engine may need when every
// admitted connection buffers a full request body. It returns 0 when the
// connection ceiling is unlimited, since no bound can be derived.
func MemoryBudget(maxConnections, maxBodySize int) int64 {
	if maxConnections <= 0 || maxBodySize <= 0 {
		return 0
	}
	// request body plus its response, per exchange
	perExchange := 2 * int64(maxBodySize)
	if int64(maxConnections) > (math.MaxInt64-budgetHeadroom)/perExchange {
		return 0
	}
	return int64(maxConnections)*perExchange + budgetHeadroom
}

// ApplyGCProfile tunes the collector for a named profile. throughput
// collects rarely and latency moderately; both cap the heap softly at
// budget when it is positive. "" and "default" leave the runtime alone.
func ApplyGCProfile(name string, budget int64) (GCSettings, error) {
	var percent int
	switch name {
	case "", GCProfileDefault:
		appliedProfile.Store(GCProfileDefault)
		return CurrentGCSettings(GCProfileDefault), nil
	case GCProfileThroughput:
		percent = 300
	case GCProfileLatency:
		percent = 150
	default:
		return GCSettings{}, fmt.Errorf("unknown gc profile %q", name)
	}

	debug.SetGCPercent(percent)
	if budget > 0 {
		debug.SetMemoryLimit(budget)
	}
	appliedProfile.Store(name)
	return CurrentGCSettings(name), nil
}

// CurrentGCSettings reads the collector settings without changing them
func CurrentGCSettings(profile string) GCSettings {
	percent := debug.SetGCPercent(100)
	debug.SetGCPercent(percent)
	return GCSettings{
		Profile:     profile,
		Percent:     percent,
		MemoryLimit: debug.SetMemoryLimit(-1),
	}
}

// GCStats holds garbage collection statistics
type GCStats struct {
	Settings     GCSettings    `json:"settings"`
	NumGC        uint32        `json:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total"`
	LastPause    time.Duration `json:"last_pause"`
	AvgPause     time.Duration `json:"avg_pause"`
	HeapBytes    uint64        `json:"heap_bytes"`
	Sys          uint64        `json:"sys"`
	NumGoroutine int           `json:"goroutines"`
}

// GetGCStats returns current GC statistics
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	profile, _ := appliedProfile.Load().(string)
	if profile == "" {
		profile = GCProfileDefault
	}

	stats := GCStats{
		Settings:     CurrentGCSettings(profile),
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		HeapBytes:    ms.HeapAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
		stats.AvgPause = stats.PauseTotal / time.Duration(ms.NumGC)
	}
	return stats
}
