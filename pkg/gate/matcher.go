package gate

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ciwatch/testgate/pkg/config"
	"github.com/ciwatch/testgate/pkg/store"
)

// matcherProbeBuilds is how many recent usable builds feed the
// ran-test counts the match score is computed from.
const matcherProbeBuilds = 5

// coverageShortfallWeight penalizes a candidate that ran fewer tests
// than the branch four times harder than one that ran more: a
// coverage gap is worse than a superset.
const coverageShortfallWeight = 4

// unknownScore stands in for an upstream job whose test count could
// not be determined.
const unknownScore = int64(math.MaxInt64)

// Matcher picks the best upstream job to gate a branch job against.
type Matcher struct {
	log   logrus.FieldLogger
	cfg   *config.Config
	store store.Store
}

// NewMatcher creates an upstream matcher.
func NewMatcher(
	log logrus.FieldLogger, cfg *config.Config, st store.Store,
) *Matcher {
	return &Matcher{
		log:   log.WithField("component", "matcher"),
		cfg:   cfg,
		store: st,
	}
}

// Match returns the best upstream job for the branch job, or nil when
// no comparison target exists. The caller falls back to comparing the
// job's history against itself over time. Match never returns an
// error for absent data, only for storage failures.
func (m *Matcher) Match(
	ctx context.Context, job store.JobRef,
) (*store.JobRef, error) {
	wf, ok := m.cfg.Workflow(job.Workflow)
	if !ok || len(wf.ComparableWorkflows) == 0 {
		return nil, nil
	}

	branchCount, known, err := m.maxRanTests(ctx, job)
	if err != nil {
		return nil, err
	}

	if !known {
		// No usable builds on the branch job; nothing to score
		// against.
		return nil, nil
	}

	upstream, err := m.store.ListUpstreamJobs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		best      *store.JobRef
		bestScore = unknownScore
	)

	for _, wfName := range wf.ComparableWorkflows {
		candidateWf, ok := m.cfg.Workflow(wfName)
		if !ok {
			continue
		}

		for _, candidate := range upstream {
			if candidate.Workflow != wfName ||
				!candidateWf.IsUpstreamBranch(candidate.Branch) {
				continue
			}

			score := unknownScore

			count, known, err := m.maxRanTests(ctx, candidate)
			if err != nil {
				return nil, err
			}

			if known {
				score = matchScore(branchCount, count)
			}

			// On an exact tie the later-enumerated candidate wins.
			// Deliberate, if arbitrary; changing it to strict
			// lower-only-wins silently changes which upstream job
			// historical gating decisions were made against.
			if best == nil || score <= bestScore {
				c := candidate
				best = &c
				bestScore = score
			}
		}
	}

	if best != nil {
		m.log.WithFields(logrus.Fields{
			"job":      job.String(),
			"upstream": best.String(),
			"score":    bestScore,
		}).Debug("Matched upstream job")
	}

	return best, nil
}

// maxRanTests returns the maximum ran-test count over the job's most
// recent usable builds. known is false when the job has no usable
// builds.
func (m *Matcher) maxRanTests(
	ctx context.Context, job store.JobRef,
) (count int64, known bool, err error) {
	builds, err := m.store.ListUsableBuilds(
		ctx, job, matcherProbeBuilds, 0,
	)
	if err != nil {
		return 0, false, err
	}

	if len(builds) == 0 {
		return 0, false, nil
	}

	for _, b := range builds {
		if int64(b.RanTests) > count {
			count = int64(b.RanTests)
		}
	}

	return count, true, nil
}

// matchScore scores a candidate upstream job against the branch job's
// test count. Lower is better.
func matchScore(branchCount, upstreamCount int64) int64 {
	shortfall := branchCount - upstreamCount
	if shortfall < 0 {
		shortfall = 0
	}

	excess := upstreamCount - branchCount
	if excess < 0 {
		excess = 0
	}

	return coverageShortfallWeight*shortfall + excess
}
