package profiling

import "sort"

// MergeConfig folds incoming into existing and returns the combined
// configuration. It is a pure value transformer: it never reads or writes
// persistence, and the same inputs always produce the same output.
//
// When existing is nil the incoming config is returned with its PIDs sorted
// and deduplicated and a nil AdditionalArgs replaced by an empty map, this is
// the case both for a brand new command row and, by caller convention, for
// a command currently in a terminal status (the caller is expected to pass
// nil rather than a terminal existing config, since merging onto a
// completed or failed command's dead configuration would be meaningless).
//
// Rules: duration and frequency take the max of the two; continuous is a
// logical OR; profiling_mode and stop_level take incoming's value when
// incoming is "terminal-state-aware" (i.e. always, incoming wins); PIDs are
// unioned and deduplicated, sorted for deterministic output; additional_args
// is a shallow merge with incoming winning on key collision.
func MergeConfig(existing *Config, incoming Config) Config {
	if existing == nil {
		return normalizeArgs(incoming)
	}

	merged := Config{
		Duration:      maxInt64(existing.Duration, incoming.Duration),
		Frequency:     maxInt64(existing.Frequency, incoming.Frequency),
		ProfilingMode: incoming.ProfilingMode,
		Continuous:    existing.Continuous || incoming.Continuous,
		PIDs:          unionPIDs(existing.PIDs, incoming.PIDs),
		StopLevel:     incoming.StopLevel,
	}
	merged.AdditionalArgs = mergeArgs(existing.AdditionalArgs, incoming.AdditionalArgs)
	return merged
}

func normalizeArgs(c Config) Config {
	if c.AdditionalArgs == nil {
		c.AdditionalArgs = map[string]string{}
	}
	c.PIDs = sortedUnique(c.PIDs)
	return c
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// unionPIDs returns the deduplicated, sorted union of two PID sets.
func unionPIDs(a, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	for _, p := range a {
		seen[p] = struct{}{}
	}
	for _, p := range b {
		seen[p] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func sortedUnique(pids []int) []int {
	return unionPIDs(pids, nil)
}

// mergeArgs performs a shallow dict merge, incoming wins on key collision.
func mergeArgs(existing, incoming map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// RemovePIDs returns the PIDs in current that are not present in remove;
// used by the process-level stop path to compute the PIDs that would remain
// profiling after the stop request is applied.
func RemovePIDs(current, remove []int) []int {
	excluded := make(map[int]struct{}, len(remove))
	for _, p := range remove {
		excluded[p] = struct{}{}
	}
	remaining := make([]int, 0, len(current))
	for _, p := range current {
		if _, skip := excluded[p]; !skip {
			remaining = append(remaining, p)
		}
	}
	sort.Ints(remaining)
	return remaining
}
