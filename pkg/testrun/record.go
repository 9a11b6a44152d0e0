// Package testrun models per-test run history and the aggregation
// views the gate engine classifies against.
package testrun

import "strings"

// RunOutput carries the captured output of a single test run.
type RunOutput struct {
	ErrorDetails string `json:"error_details,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
}

// RunRecord is one execution of one test in one build. Records are
// immutable: redaction produces a copy, never mutates the receiver.
type RunRecord struct {
	BuildNumber      int64      `json:"build_number"`
	Variant          string     `json:"variant,omitempty"`
	Version          string     `json:"version,omitempty"`
	URL              string     `json:"url,omitempty"`
	TimestampSeconds int64      `json:"timestamp_seconds"`
	Failed           bool       `json:"failed"`
	Skipped          bool       `json:"skipped"`
	Output           *RunOutput `json:"output,omitempty"`
}

// clone returns a shallow copy owned by the caller.
func (r *RunRecord) clone() *RunRecord {
	c := *r

	return &c
}

// redacted returns a copy with the output cleared.
func (r *RunRecord) redacted() *RunRecord {
	c := *r
	c.Output = nil

	return &c
}

// HasOutput reports whether any output is retained on the record.
func (r *RunRecord) HasOutput() bool {
	return r.Output != nil
}

// VersionOf derives the branch family a branch belongs to:
// "release/6.0" -> "6.0", everything else maps to itself.
func VersionOf(branch string) string {
	if rest, ok := strings.CutPrefix(branch, "release/"); ok && rest != "" {
		return rest
	}

	return branch
}
