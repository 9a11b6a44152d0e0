package gate

import (
	"context"

	"github.com/ciwatch/testgate/pkg/store"
)

const (
	// DefaultRecentBuilds is the size of the comparison window.
	DefaultRecentBuilds = 16

	// overFetchFactor is the safety margin against a usability filter
	// applied at fetch time.
	overFetchFactor = 2
)

// Selector picks a bounded recent window of usable builds for one job
// and the tests that failed at least once in that window. Builds and
// test names are computed lazily and cached for the lifetime of one
// selector instance.
type Selector struct {
	store       store.Store
	job         store.JobRef
	limit       int
	beforeBuild int64

	builds       []store.Build
	buildsLoaded bool

	failedTests  []string
	failedLoaded bool
}

// NewSelector creates a selector over the job's most recent usable
// builds. limit <= 0 uses DefaultRecentBuilds. beforeBuild > 0
// restricts the window to builds strictly older than that number.
func NewSelector(
	st store.Store, job store.JobRef, limit int, beforeBuild int64,
) *Selector {
	if limit <= 0 {
		limit = DefaultRecentBuilds
	}

	return &Selector{
		store:       st,
		job:         job,
		limit:       limit,
		beforeBuild: beforeBuild,
	}
}

// Builds returns the window's builds, newest first.
func (s *Selector) Builds(ctx context.Context) ([]store.Build, error) {
	if s.buildsLoaded {
		return s.builds, nil
	}

	builds, err := s.store.ListUsableBuilds(
		ctx, s.job, s.limit*overFetchFactor, s.beforeBuild,
	)
	if err != nil {
		return nil, err
	}

	if len(builds) > s.limit {
		builds = builds[:s.limit]
	}

	s.builds = builds
	s.buildsLoaded = true

	return s.builds, nil
}

// BuildNumbers returns the window's build numbers, newest first.
func (s *Selector) BuildNumbers(ctx context.Context) ([]int64, error) {
	builds, err := s.Builds(ctx)
	if err != nil {
		return nil, err
	}

	numbers := make([]int64, 0, len(builds))
	for _, b := range builds {
		numbers = append(numbers, b.BuildNumber)
	}

	return numbers, nil
}

// FailedTests returns the tests that failed at least once in the
// window. An empty window yields an empty set, never an error.
func (s *Selector) FailedTests(ctx context.Context) ([]string, error) {
	if s.failedLoaded {
		return s.failedTests, nil
	}

	numbers, err := s.BuildNumbers(ctx)
	if err != nil {
		return nil, err
	}

	if len(numbers) == 0 {
		s.failedLoaded = true

		return nil, nil
	}

	names, err := s.store.FailedTestNames(ctx, s.job, numbers)
	if err != nil {
		return nil, err
	}

	s.failedTests = names
	s.failedLoaded = true

	return s.failedTests, nil
}
