package testrun_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciwatch/testgate/pkg/testrun"
)

func TestFailureSummary_HasFailedAndCounters(t *testing.T) {
	now := time.Now()

	s := testrun.NewFailureSummary("TestAlpha", []*testrun.RunRecord{
		rec(1, now.Add(-time.Hour).Unix(), false, false),
		rec(2, now.Add(-2*time.Hour).Unix(), true, false),
	}, now)

	assert.True(t, s.HasFailed())
	assert.Equal(t, 2, s.TotalRuns)
	assert.Equal(t, 2, s.Last7dRuns)
	assert.Equal(t, 2, s.Last30dRuns)

	clean := testrun.NewFailureSummary("TestBeta", []*testrun.RunRecord{
		rec(1, now.Unix(), false, false),
	}, now)
	assert.False(t, clean.HasFailed())
}

func TestFailureSummary_AffectedVersions(t *testing.T) {
	now := time.Now()

	mk := func(build int64, version string, failed bool) *testrun.RunRecord {
		r := rec(build, now.Unix()-build, failed, false)
		r.Version = version

		return r
	}

	s := testrun.NewFailureSummary("TestGamma", []*testrun.RunRecord{
		mk(1, "main", true),
		mk(2, "6.0", true),
		mk(3, "7.0", false),
	}, now)

	assert.Equal(t, []string{"6.0", "main"}, s.AffectedVersions())
}

func TestFailureSummary_BeforeBuild(t *testing.T) {
	now := time.Now()

	s := testrun.NewFailureSummary("TestDelta", []*testrun.RunRecord{
		rec(10, 100, true, false),
		rec(20, 200, false, false),
		rec(30, 300, true, false),
	}, now)

	older := s.BeforeBuild(30)

	require.Len(t, older.History.All, 2)
	assert.Equal(t, 1, older.History.Failures)
	assert.EqualValues(t, 20, older.History.Last.BuildNumber)

	// The original summary is untouched.
	assert.Len(t, s.History.All, 3)
}

func TestFailureSet_FilterAndLookup(t *testing.T) {
	now := time.Now()

	failing := testrun.NewFailureSummary("TestFails", []*testrun.RunRecord{
		rec(1, 100, true, false),
	}, now)
	passing := testrun.NewFailureSummary("TestPasses", []*testrun.RunRecord{
		rec(1, 100, false, false),
	}, now)

	set := &testrun.FailureSet{
		Summaries: []*testrun.TestFailureSummary{failing, passing},
	}

	failed := set.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "TestFails", failed[0].TestName)

	assert.Equal(t, passing, set.FindTest("TestPasses"))
	assert.Nil(t, set.FindTest("TestMissing"))
}

func TestFailureSet_NumBuilds(t *testing.T) {
	now := time.Now()

	a := testrun.NewFailureSummary("TestA", []*testrun.RunRecord{
		rec(1, 100, true, false),
		rec(2, 200, false, false),
	}, now)
	b := testrun.NewFailureSummary("TestB", []*testrun.RunRecord{
		rec(2, 210, true, false),
		rec(3, 300, false, false),
	}, now)

	set := &testrun.FailureSet{
		Summaries: []*testrun.TestFailureSummary{a, b},
	}

	assert.Equal(t, 3, set.NumBuilds())
	assert.Zero(t, (&testrun.FailureSet{}).NumBuilds())
}
