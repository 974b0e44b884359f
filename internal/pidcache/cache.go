// Package pidcache holds the transient request_id -> {host -> pids} map
// described in §5/§9: a convenience cache for host-specific PID targeting,
// necessary only until a request is fully reconciled across all its target
// hosts. Nothing in the reconciler or merger reads it back to decide
// command content, it only answers "what PIDs did this request mean for
// this host" while a bulk reconciliation is still in flight.
package pidcache

import "context"

// Cache stores per-request, per-host PID targeting data.
type Cache interface {
	Set(ctx context.Context, requestID, host string, pids []int) error
	Get(ctx context.Context, requestID, host string) ([]int, bool, error)
	// Drop removes everything cached for a request once it has been fully
	// reconciled across all of its hosts. Losing this cache early has no
	// correctness impact provided reconciliation completes within a single
	// process lifetime (§5).
	Drop(ctx context.Context, requestID string) error
}
