package pipeline

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/wonny/tradeflow/pkg/logger"
)

// memoryGuard pauses between batches when the heap grows past a limit
type memoryGuard struct {
	limit  uint64
	pause  time.Duration
	logger *logger.Logger

	heapAlloc func() uint64
	reclaim   func()
}

func newMemoryGuard(limitMB int, pause time.Duration, log *logger.Logger) *memoryGuard {
	var limit uint64
	if limitMB > 0 {
		limit = uint64(limitMB) << 20
	}
	return &memoryGuard{
		limit:  limit,
		pause:  pause,
		logger: log,
		heapAlloc: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
		reclaim: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}
}

// check reclaims memory and waits when over the limit. It returns ctx's
// error when cancelled during the pause.
func (m *memoryGuard) check(ctx context.Context) error {
	if m.limit == 0 {
		return nil
	}

	before := m.heapAlloc()
	if before <= m.limit {
		return nil
	}

	m.reclaim()
	m.logger.WithFields(map[string]interface{}{
		"heap_mb":  before >> 20,
		"after_mb": m.heapAlloc() >> 20,
		"limit_mb": m.limit >> 20,
		"pause":    m.pause,
	}).Warn("Memory above limit, pausing")

	if m.pause <= 0 {
		return nil
	}

	timer := time.NewTimer(m.pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
