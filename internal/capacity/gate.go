// Package capacity implements the capacity gate (C6): a per-fleet cap on
// the number of hosts simultaneously profiling, applied only to bulk
// operations (§4.6). Grounded directly on validate_profiling_capacity in
// the original source.
package capacity

import "fmt"

// ErrCapacityExceeded is returned when a bulk submission would push the
// number of profiling hosts past the configured percentage of active
// hosts. Per-request (non-bulk) submissions bypass this gate entirely.
type ErrCapacityExceeded struct {
	ActiveHosts         int64
	CurrentlyProfiling  int64
	RequestSize         int64
	MaxPercent          int
	MaxProfilingHosts   int64
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf(
		"profiling capacity exceeded: currently profiling %d hosts, request size %d hosts, active hosts %d, maximum allowed (%d%%) %d hosts",
		e.CurrentlyProfiling, e.RequestSize, e.ActiveHosts, e.MaxPercent, e.MaxProfilingHosts,
	)
}

// Check enforces: currentlyProfiling + requestSize <= floor(activeHosts * maxPercent / 100).
// It rejects the entire bulk operation on violation, callers must not
// apply a partial subset of a rejected bulk request.
func Check(activeHosts, currentlyProfiling, requestSize int64, maxPercent int) error {
	maxProfilingHosts := (activeHosts * int64(maxPercent)) / 100
	if currentlyProfiling+requestSize > maxProfilingHosts {
		return &ErrCapacityExceeded{
			ActiveHosts:        activeHosts,
			CurrentlyProfiling: currentlyProfiling,
			RequestSize:        requestSize,
			MaxPercent:         maxPercent,
			MaxProfilingHosts:  maxProfilingHosts,
		}
	}
	return nil
}
