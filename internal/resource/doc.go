// Package resource implements Controller, a process-wide memory budget
// tracker.
//
// Controller provides centralized, non-blocking, fail-fast accounting for
// a memory limit shared across subsystems:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 1 << 30, // 1GB limit
//	})
//
//	if err := rc.AcquireMemory(1024 * 1024); err != nil {
//	    // ErrMemoryLimitExceeded - caller decides retry/backoff
//	}
//	defer rc.ReleaseMemory(1024 * 1024)
//
// Controller's AcquireMemory/ReleaseMemory pair is exactly the
// arraystore.MemoryAcquirer interface, so a single *Controller can cap an
// ArrayStore's buffer allocations alongside any other subsystem that
// tracks its footprint against the same budget.
//
// # Thread Safety
//
// All Controller methods are safe for concurrent use; the underlying
// implementation uses atomic operations and a weighted semaphore.
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully and become no-ops,
// allowing optional resource limiting without nil checks everywhere.
package resource
