package gate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciwatch/testgate/pkg/config"
	"github.com/ciwatch/testgate/pkg/gate"
	"github.com/ciwatch/testgate/pkg/store"
	"github.com/ciwatch/testgate/pkg/testrun"
)

func TestCheckStory(t *testing.T) {
	tests := []struct {
		name     string
		branch   string
		upstream string
		approved bool
	}{
		{
			name:     "single failure with healthy upstream",
			branch:   "F",
			upstream: "PPP",
			approved: false,
		},
		{
			name:     "failing upstream as well",
			branch:   "FF",
			upstream: "FF",
			approved: true,
		},
		{
			name:     "fixed on branch",
			branch:   "PFF",
			upstream: "PPP",
			approved: true,
		},
		{
			name:     "flaky pattern",
			branch:   "PFP",
			upstream: "PPP",
			approved: false,
		},
		{
			name:     "current run skipped",
			branch:   "SF",
			upstream: "PPPPPP",
			approved: true,
		},
		{
			name:     "no failures at all",
			branch:   "PPPP",
			upstream: "",
			approved: true,
		},
		{
			name:     "test removed in most recent build",
			branch:   "NFF",
			upstream: "PPP",
			approved: true,
		},
		{
			name:     "alternating failure pattern",
			branch:   "FPF",
			upstream: "PPP",
			approved: false,
		},
		{
			name:     "recent failure with empty upstream",
			branch:   "FPPFPPFPPP",
			upstream: "",
			approved: false,
		},
		{
			name:     "upstream never meaningfully ran",
			branch:   "F",
			upstream: "SSSS",
			approved: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := gate.CheckStory(
				testrun.ParseSequence(tt.branch),
				testrun.ParseSequence(tt.upstream),
			)

			assert.Equal(t, tt.approved, v.Approved, v.Explanation)
			assert.NotEmpty(t, v.Explanation)
		})
	}
}

func TestCheckStory_TailRecursionDiscountsOldNoise(t *testing.T) {
	// Beyond the 4 most recent runs everything passes, so the
	// decision is made on the head alone: all of the recent runs
	// failed.
	v := gate.CheckStory(
		testrun.ParseSequence("FFFFPPPP"),
		testrun.ParseSequence(""),
	)

	require.False(t, v.Approved)
	assert.Equal(t, "constantly failing", v.Explanation)
}

func setupGateStore(t *testing.T, thresholdPct int) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg, thresholdPct)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// importStoryBuilds imports one build per story token, newest first,
// with the named test's outcome following the token and a second test
// that always passes.
func importStoryBuilds(
	t *testing.T,
	s store.Store,
	job store.JobRef,
	testName, story string,
	newestBuild int64,
) {
	t.Helper()

	ctx := context.Background()
	base := time.Now().Unix()

	for i, c := range story {
		number := newestBuild - int64(i)
		ts := base - int64(i)*60

		runs := []store.TestRunImport{
			{
				TestName:         "TestAlwaysGreen",
				TimestampSeconds: ts,
			},
		}

		run := store.TestRunImport{
			TestName:         testName,
			TimestampSeconds: ts,
		}

		switch c {
		case 'F':
			run.Failed = true
			run.ErrorDetails = fmt.Sprintf("boom in build %d", number)
		case 'S':
			run.Skipped = true
		}

		if c != 'N' {
			runs = append(runs, run)
		}

		require.NoError(t, s.ImportBuild(ctx, job, &store.BuildImport{
			BuildNumber: number,
			Timestamp:   ts,
			Completed:   true,
			Runs:        runs,
		}))
	}
}

func TestEngine_CheckBuild_RejectsOneNewFailure(t *testing.T) {
	ctx := context.Background()
	s := setupGateStore(t, 60)

	cfg := &config.Config{
		Workflows: map[string]config.WorkflowConfig{
			"ci": {
				UpstreamBranches:    []string{"main"},
				ComparableWorkflows: []string{"ci"},
			},
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	branch := store.JobRef{Workflow: "ci", Branch: "feature"}
	upstream := store.JobRef{Workflow: "ci", Branch: "main"}

	require.NoError(t, s.UpsertJob(ctx, branch, store.CategoryUser))
	require.NoError(t, s.UpsertJob(ctx, upstream, store.CategoryUpstream))

	// Branch: the build under test fails, the history behind it is
	// "PPFPPFPPP". Upstream never fails.
	importStoryBuilds(t, s, branch, "TestFlaky", "FPPFPPFPPP", 110)
	importStoryBuilds(t, s, upstream, "TestFlaky", "PPPPPPPPPP", 210)

	engine := gate.NewEngine(log, cfg, s)

	verdict, err := engine.CheckBuild(ctx, branch, 110)
	require.NoError(t, err)

	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.Explanation, "1 NEW test failure(s)")
	require.Len(t, verdict.Details, 1)
	assert.Contains(t, verdict.Details[0], "TestFlaky")
	assert.Contains(t, verdict.Details[0], "[NEW]")
}

func TestEngine_CheckBuild_ApprovesWhenAllTestsPass(t *testing.T) {
	ctx := context.Background()
	s := setupGateStore(t, 60)

	cfg := &config.Config{
		Workflows: map[string]config.WorkflowConfig{
			"ci": {},
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	branch := store.JobRef{Workflow: "ci", Branch: "feature"}
	require.NoError(t, s.UpsertJob(ctx, branch, store.CategoryUser))

	importStoryBuilds(t, s, branch, "TestSteady", "PPPPP", 50)

	engine := gate.NewEngine(log, cfg, s)

	verdict, err := engine.CheckBuild(ctx, branch, 50)
	require.NoError(t, err)

	assert.True(t, verdict.Approved)
	assert.Equal(t, "all tests passed", verdict.Explanation)
}

func TestEngine_CheckBuild_ApprovesPreExistingUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	s := setupGateStore(t, 60)

	cfg := &config.Config{
		Workflows: map[string]config.WorkflowConfig{
			"ci": {
				UpstreamBranches:    []string{"main"},
				ComparableWorkflows: []string{"ci"},
			},
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	branch := store.JobRef{Workflow: "ci", Branch: "feature"}
	upstream := store.JobRef{Workflow: "ci", Branch: "main"}

	require.NoError(t, s.UpsertJob(ctx, branch, store.CategoryUser))
	require.NoError(t, s.UpsertJob(ctx, upstream, store.CategoryUpstream))

	// The same test fails upstream too: not a regression introduced
	// by the branch.
	importStoryBuilds(t, s, branch, "TestShared", "FPPPP", 110)
	importStoryBuilds(t, s, upstream, "TestShared", "FFPPP", 210)

	engine := gate.NewEngine(log, cfg, s)

	verdict, err := engine.CheckBuild(ctx, branch, 110)
	require.NoError(t, err)

	assert.True(t, verdict.Approved, verdict.Explanation)
	assert.Empty(t, verdict.Details)
}

func TestEngine_CheckBuild_IgnoresStaleTests(t *testing.T) {
	ctx := context.Background()
	s := setupGateStore(t, 60)

	cfg := &config.Config{
		Workflows: map[string]config.WorkflowConfig{
			"ci": {},
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	branch := store.JobRef{Workflow: "ci", Branch: "feature"}
	require.NoError(t, s.UpsertJob(ctx, branch, store.CategoryUser))

	// The test failed in older builds but did not run at all in the
	// build under test: stale or renamed, not gated.
	importStoryBuilds(t, s, branch, "TestRenamed", "NFFPP", 50)

	engine := gate.NewEngine(log, cfg, s)

	verdict, err := engine.CheckBuild(ctx, branch, 50)
	require.NoError(t, err)

	assert.True(t, verdict.Approved, verdict.Explanation)
}
