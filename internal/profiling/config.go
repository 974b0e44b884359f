// Package profiling holds the domain value types shared by the reconciler,
// the persistence layer, and the API layer: the pure Config the merger
// operates on, and small JSON codecs for the columns that store it.
package profiling

import "encoding/json"

// Config is the combined, per-host profiling configuration folded from one
// or more contributing requests. It is a pure value, nothing in this
// package reads or writes persistence.
type Config struct {
	Duration       int64             `json:"duration"`
	Frequency      int64             `json:"frequency"`
	ProfilingMode  string            `json:"profiling_mode"`
	Continuous     bool              `json:"continuous"`
	PIDs           []int             `json:"pids"`
	AdditionalArgs map[string]string `json:"additional_args"`
	StopLevel      string            `json:"stop_level,omitempty"`
}

// DecodePIDs parses the JSON-array-of-int column format used for
// ProfilingCommand.PIDs and HostHeartbeat.AvailablePIDs. An empty or malformed
// value decodes to nil, never an error, absent PIDs mean "whole host".
func DecodePIDs(raw string) []int {
	if raw == "" {
		return nil
	}
	var pids []int
	if err := json.Unmarshal([]byte(raw), &pids); err != nil {
		return nil
	}
	return pids
}

// EncodePIDs serializes a PID slice to its JSON column form. A nil slice
// encodes to "[]" rather than "null" so downstream scans never see null.
func EncodePIDs(pids []int) string {
	if pids == nil {
		pids = []int{}
	}
	b, _ := json.Marshal(pids)
	return string(b)
}

// DecodeArgs parses the JSON-object column format used for AdditionalArgs.
func DecodeArgs(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]string{}
	}
	if args == nil {
		args = map[string]string{}
	}
	return args
}

// EncodeArgs serializes an AdditionalArgs map to its JSON column form.
func EncodeArgs(args map[string]string) string {
	if args == nil {
		args = map[string]string{}
	}
	b, _ := json.Marshal(args)
	return string(b)
}

// DecodeRequestIDs parses the JSON-array-of-string column format used for
// ProfilingCommand.RequestIDs.
func DecodeRequestIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

// EncodeRequestIDs serializes a request ID slice to its JSON column form.
func EncodeRequestIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// DecodeTargets parses the JSON object-of-array column format used for
// ProfilingRequest.Targets: hostname -> PID list (empty list = whole host).
func DecodeTargets(raw string) map[string][]int {
	if raw == "" {
		return map[string][]int{}
	}
	var targets map[string][]int
	if err := json.Unmarshal([]byte(raw), &targets); err != nil {
		return map[string][]int{}
	}
	if targets == nil {
		targets = map[string][]int{}
	}
	return targets
}

// EncodeTargets serializes a targets map to its JSON column form.
func EncodeTargets(targets map[string][]int) string {
	if targets == nil {
		targets = map[string][]int{}
	}
	b, _ := json.Marshal(targets)
	return string(b)
}
