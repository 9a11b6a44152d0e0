// Package gate decides whether a branch build introduces a new test
// regression relative to an upstream baseline.
package gate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ciwatch/testgate/pkg/config"
	"github.com/ciwatch/testgate/pkg/store"
	"github.com/ciwatch/testgate/pkg/testrun"
)

// maxVerdictDetails caps the newly-failing-test list on a rejection.
const maxVerdictDetails = 13

// Verdict is the outcome of one gating decision.
type Verdict struct {
	Approved    bool     `json:"approved"`
	Explanation string   `json:"explanation"`
	Details     []string `json:"details,omitempty"`
}

func approved(explanation string) Verdict {
	return Verdict{Approved: true, Explanation: explanation}
}

func rejected(explanation string) Verdict {
	return Verdict{Approved: false, Explanation: explanation}
}

// withSequences appends both sequences to the explanation so the
// decision can be audited later.
func withSequences(
	v Verdict, branch, upstream testrun.RunSequence,
) Verdict {
	v.Explanation = fmt.Sprintf(
		"%s (branch: %q, upstream: %q)",
		v.Explanation, branch.String(), upstream.String(),
	)

	return v
}

// CheckStory classifies one test's branch run sequence against its
// upstream sequence. It is a pure function and never errors; absent
// data degrades to approval.
func CheckStory(branch, upstream testrun.RunSequence) Verdict {
	// Once stability beyond the recent window is established, older
	// noise is discounted.
	if branch.Tail().AlwaysPassing() {
		return CheckStory(branch.Head(), upstream)
	}

	if !branch.HasFailure() {
		return approved("no failures on the branch")
	}

	if branch[0] == testrun.NotRun || branch[0] == testrun.Skipped {
		return approved(
			"test was removed or skipped in the most recent build",
		)
	}

	if !upstream.HasFailure() || len(upstream.Results()) == 0 {
		results := branch.Results()

		switch {
		case branch.AlwaysFailing():
			return rejected("constantly failing")
		case results.StartsWith(
			testrun.Passed, testrun.Failed, testrun.Passed,
		) || results.StartsWith(
			testrun.Failed, testrun.Passed, testrun.Failed,
		):
			return rejected("looks flaky")
		case results.StartsWith(testrun.Failed):
			return rejected("failed in the most recent build")
		default:
			return withSequences(
				approved("older failures only"), branch, upstream,
			)
		}
	}

	// The upstream job fails too: a pre-existing issue, not a
	// regression introduced by this branch.
	return withSequences(
		approved("failing upstream as well"), branch, upstream,
	)
}

// Engine produces gating verdicts for tests and whole builds.
type Engine struct {
	log     logrus.FieldLogger
	cfg     *config.Config
	store   store.Store
	matcher *Matcher
}

// NewEngine creates a gate decision engine.
func NewEngine(
	log logrus.FieldLogger, cfg *config.Config, st store.Store,
) *Engine {
	return &Engine{
		log:     log.WithField("component", "gate"),
		cfg:     cfg,
		store:   st,
		matcher: NewMatcher(log, cfg, st),
	}
}

// CheckTest gates a single test: its branch summary against the
// upstream failure set, with both sequences aligned on their window's
// build numbers.
func (e *Engine) CheckTest(
	branch *testrun.TestFailureSummary,
	branchWindow []int64,
	upstream *testrun.FailureSet,
	upstreamWindow []int64,
) Verdict {
	if !branch.HasFailed() {
		return approved("never failed on the branch")
	}

	branchSeq := testrun.SequenceFor(branchWindow, branch.History.All)

	var upstreamSeq testrun.RunSequence
	if s := upstream.FindTest(branch.TestName); s != nil {
		upstreamSeq = testrun.SequenceFor(upstreamWindow, s.History.All)
	}

	return CheckStory(branchSeq, upstreamSeq)
}

// CheckBuild gates one branch build: it collects the union of tests
// failing on the branch or the matched upstream over the recent
// comparison windows, checks each candidate that last ran in the
// build under test, and aggregates the per-test verdicts.
func (e *Engine) CheckBuild(
	ctx context.Context, job store.JobRef, buildNumber int64,
) (Verdict, error) {
	now := time.Now()

	upstreamJob, err := e.matcher.Match(ctx, job)
	if err != nil {
		return Verdict{}, fmt.Errorf("matching upstream job: %w", err)
	}

	// With no matching upstream the job is compared against its own
	// history, restricted to builds strictly older than the build
	// under test.
	var upstreamBefore int64
	if upstreamJob == nil {
		upstreamJob = &job
		upstreamBefore = buildNumber
	}

	branchSel := NewSelector(e.store, job, DefaultRecentBuilds, 0)
	upstreamSel := NewSelector(
		e.store, *upstreamJob, DefaultRecentBuilds, upstreamBefore,
	)

	branchWindow, err := branchSel.BuildNumbers(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading branch window: %w", err)
	}

	upstreamWindow, err := upstreamSel.BuildNumbers(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading upstream window: %w", err)
	}

	branchFailed, err := branchSel.FailedTests(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading branch failures: %w", err)
	}

	if len(branchFailed) == 0 {
		return approved("all tests passed"), nil
	}

	upstreamFailed, err := upstreamSel.FailedTests(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading upstream failures: %w", err)
	}

	candidates := union(branchFailed, upstreamFailed)

	branchSet, err := e.failureSet(
		ctx, job, "", candidates, branchWindow, now,
	)
	if err != nil {
		return Verdict{}, err
	}

	upstreamSet, err := e.failureSet(
		ctx, *upstreamJob, upstreamJob.Workflow,
		candidates, upstreamWindow, now,
	)
	if err != nil {
		return Verdict{}, err
	}

	var details []string

	for _, summary := range branchSet.Summaries {
		// Only tests whose most recent recorded run is exactly the
		// build under test are gated; anything else is stale or was
		// renamed.
		last := summary.History.Last
		if last == nil || last.BuildNumber != buildNumber ||
			last.Skipped {
			continue
		}

		v := e.CheckTest(
			summary, branchWindow, upstreamSet, upstreamWindow,
		)
		if !v.Approved {
			details = append(details, fmt.Sprintf(
				"%s: %s [NEW]", summary.TestName, v.Explanation,
			))
		}
	}

	if len(details) == 0 {
		return approved("no new test failures"), nil
	}

	verdict := rejected(fmt.Sprintf(
		"%d NEW test failure(s) in %d builds.",
		len(details), branchSet.NumBuilds(),
	))

	if len(details) > maxVerdictDetails {
		truncated := len(details) - maxVerdictDetails
		details = append(details[:maxVerdictDetails], fmt.Sprintf(
			"... and %d more", truncated,
		))
	}

	verdict.Details = details

	e.log.WithFields(logrus.Fields{
		"job":      job.String(),
		"build":    buildNumber,
		"approved": verdict.Approved,
	}).Info("Gated build")

	return verdict, nil
}

// failureSet aggregates the named tests' records over the window into
// an ordered failure set.
func (e *Engine) failureSet(
	ctx context.Context,
	job store.JobRef,
	sourceWorkflow string,
	testNames []string,
	window []int64,
	now time.Time,
) (*testrun.FailureSet, error) {
	records, err := e.store.RunRecords(ctx, job, testNames, window)
	if err != nil {
		return nil, fmt.Errorf("loading run records for %s: %w", job, err)
	}

	set := &testrun.FailureSet{}

	for _, name := range testNames {
		summary := testrun.NewFailureSummary(name, records[name], now)
		summary.SourceWorkflow = sourceWorkflow
		set.Summaries = append(set.Summaries, summary)
	}

	return set, nil
}

// union merges two sorted name lists into one sorted, de-duplicated
// list.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}

			seen[name] = struct{}{}
			out = append(out, name)
		}
	}

	sort.Strings(out)

	return out
}
