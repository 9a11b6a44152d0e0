package testrun_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ciwatch/testgate/pkg/testrun"
)

func TestRunSequence_AlwaysPassing(t *testing.T) {
	tests := []struct {
		story string
		want  bool
	}{
		{"PPPP", true},
		{"P", true},
		{"", false},
		{"PPPF", false},
		{"PPSP", false},
		{"NNNN", false},
	}

	for _, tt := range tests {
		t.Run("story "+tt.story, func(t *testing.T) {
			seq := testrun.ParseSequence(tt.story)
			assert.Equal(t, tt.want, seq.AlwaysPassing())
		})
	}
}

func TestRunSequence_AlwaysFailing(t *testing.T) {
	assert.True(t, testrun.ParseSequence("F").AlwaysFailing())
	assert.True(t, testrun.ParseSequence("FFF").AlwaysFailing())
	assert.False(t, testrun.ParseSequence("").AlwaysFailing())
	assert.False(t, testrun.ParseSequence("FFP").AlwaysFailing())
	assert.False(t, testrun.ParseSequence("FS").AlwaysFailing())
}

func TestRunSequence_Results(t *testing.T) {
	// Skipped and NotRun tokens are stripped.
	seq := testrun.ParseSequence("PSFNFP")
	assert.Equal(t, "PFFP", seq.Results().String())

	assert.Empty(t, testrun.ParseSequence("SNSN").Results())
}

func TestRunSequence_HeadTail(t *testing.T) {
	seq := testrun.ParseSequence("PFPSFF")

	assert.Equal(t, "PFPS", seq.Head().String())
	assert.Equal(t, "FF", seq.Tail().String())

	short := testrun.ParseSequence("PF")
	assert.Equal(t, "PF", short.Head().String())
	assert.Empty(t, short.Tail())
}

func TestRunSequence_StartsWith(t *testing.T) {
	seq := testrun.ParseSequence("PFP")

	assert.True(t, seq.StartsWith(
		testrun.Passed, testrun.Failed, testrun.Passed,
	))
	assert.False(t, seq.StartsWith(
		testrun.Failed, testrun.Passed, testrun.Failed,
	))
	assert.False(t, testrun.ParseSequence("PF").StartsWith(
		testrun.Passed, testrun.Failed, testrun.Passed,
	))
}

func TestSequenceFor_PadsMissingBuildsWithNotRun(t *testing.T) {
	window := []int64{50, 49, 48, 47}

	records := []*testrun.RunRecord{
		{BuildNumber: 50, TimestampSeconds: 500, Failed: true},
		{BuildNumber: 48, TimestampSeconds: 480, Skipped: true},
		{BuildNumber: 47, TimestampSeconds: 470},
	}

	seq := testrun.SequenceFor(window, records)

	assert.Equal(t, "FNSP", seq.String())
}

func TestSequenceFor_FailedRunWinsWithinOneBuild(t *testing.T) {
	window := []int64{10}

	// Two variants ran in the same build; the failed one decides the
	// build's token.
	records := []*testrun.RunRecord{
		{BuildNumber: 10, TimestampSeconds: 105, Variant: "a"},
		{BuildNumber: 10, TimestampSeconds: 100, Variant: "b", Failed: true},
	}

	seq := testrun.SequenceFor(window, records)
	assert.Equal(t, "F", seq.String())
}

func TestSequenceFor_EmptyWindow(t *testing.T) {
	assert.Empty(t, testrun.SequenceFor(nil, nil))
}
