// Package resources reports the daemon's own memory footprint
// (SPEC_FULL.md §5 item 5: restoring the spirit of
// tools/estimate_res_usage.py — that tool measured pod-level usage
// across an entire deployed topology, which is out of scope; a
// daemon's own resource reporting is not).
package resources

import (
	"context"
	"runtime"
	"time"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
)

// Snapshot is a single point-in-time resource reading.
type Snapshot struct {
	// SystemTotalBytes is the host's total physical memory, per
	// github.com/pbnjay/memory — zero if it could not be determined.
	SystemTotalBytes uint64
	// HeapAllocBytes is this process's currently live heap, per
	// runtime.MemStats.HeapAlloc.
	HeapAllocBytes uint64
	// GoroutineCount is runtime.NumGoroutine(), a cheap proxy for the
	// "pool of short-lived worker threads" spec §5 describes.
	GoroutineCount int
	// NumGC is the number of completed garbage collection cycles.
	NumGC uint32
}

// Read takes a snapshot of the current process's resource usage.
func Read() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Snapshot{
		SystemTotalBytes: memory.TotalMemory(),
		HeapAllocBytes:   ms.HeapAlloc,
		GoroutineCount:   runtime.NumGoroutine(),
		NumGC:            ms.NumGC,
	}
}

// LogPeriodically emits a Snapshot immediately and then at the given
// interval until ctx is canceled, at debug level — a startup/runtime
// health signal, not a metrics pipeline (the latter is out of scope,
// spec.md's Non-goals).
func LogPeriodically(ctx context.Context, logger zerolog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s := Read()
		logger.Debug().
			Uint64("system_total_bytes", s.SystemTotalBytes).
			Uint64("heap_alloc_bytes", s.HeapAllocBytes).
			Int("goroutines", s.GoroutineCount).
			Uint32("num_gc", s.NumGC).
			Msg("resource usage")
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
