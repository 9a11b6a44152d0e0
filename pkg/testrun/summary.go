package testrun

import (
	"sort"
	"time"
)

// TestFailureSummary bundles one test's aggregated run history with
// the metadata the gate engine and API need alongside it.
type TestFailureSummary struct {
	TestName       string      `json:"test_name"`
	LinkedIssue    string      `json:"linked_issue,omitempty"`
	SourceWorkflow string      `json:"source_workflow,omitempty"`
	History        *RunHistory `json:"history"`

	TotalRuns   int `json:"total_runs"`
	Last7dRuns  int `json:"last_7d_runs"`
	Last30dRuns int `json:"last_30d_runs"`

	now time.Time
}

// NewFailureSummary aggregates the given records for one test.
// Recency counters are computed against now.
func NewFailureSummary(
	testName string, records []*RunRecord, now time.Time,
) *TestFailureSummary {
	h := Aggregate(records, now)

	return &TestFailureSummary{
		TestName:    testName,
		History:     h,
		TotalRuns:   h.Runs,
		Last7dRuns:  h.RunsLast7d,
		Last30dRuns: h.RunsLast30d,
		now:         now,
	}
}

// HasFailed reports whether any aggregated run failed.
func (s *TestFailureSummary) HasFailed() bool {
	return s.History.Failures > 0
}

// AffectedVersions returns the sorted branch families that still have
// a recorded failure.
func (s *TestFailureSummary) AffectedVersions() []string {
	versions := make([]string, 0, len(s.History.LastFailedByVersion))
	for v := range s.History.LastFailedByVersion {
		versions = append(versions, v)
	}

	sort.Strings(versions)

	return versions
}

// BeforeBuild re-aggregates the summary from only the runs of builds
// strictly older than the given build number.
func (s *TestFailureSummary) BeforeBuild(n int64) *TestFailureSummary {
	var filtered []*RunRecord

	for _, r := range s.History.All {
		if r.BuildNumber < n {
			filtered = append(filtered, r)
		}
	}

	out := NewFailureSummary(s.TestName, filtered, s.now)
	out.LinkedIssue = s.LinkedIssue
	out.SourceWorkflow = s.SourceWorkflow

	return out
}

// FailureSet is an ordered collection of failure summaries for one
// comparison scope.
type FailureSet struct {
	Summaries []*TestFailureSummary `json:"summaries"`
}

// Failed returns only the summaries that recorded at least one
// failure, preserving order.
func (fs *FailureSet) Failed() []*TestFailureSummary {
	var out []*TestFailureSummary

	for _, s := range fs.Summaries {
		if s.HasFailed() {
			out = append(out, s)
		}
	}

	return out
}

// FindTest returns the summary for the given test name, or nil.
func (fs *FailureSet) FindTest(name string) *TestFailureSummary {
	for _, s := range fs.Summaries {
		if s.TestName == name {
			return s
		}
	}

	return nil
}

// NumBuilds counts the distinct build numbers across all contained
// records.
func (fs *FailureSet) NumBuilds() int {
	seen := make(map[int64]struct{})

	for _, s := range fs.Summaries {
		for _, r := range s.History.All {
			seen[r.BuildNumber] = struct{}{}
		}
	}

	return len(seen)
}
