package store

import (
	"fmt"
	"strings"
	"time"
)

// Job category constants.
const (
	CategoryUpstream = "upstream"
	CategoryUser     = "user"
)

// JobRef identifies a job: one branch of one workflow.
type JobRef struct {
	Workflow string `json:"workflow"`
	Branch   string `json:"branch"`
}

// String renders the externally visible job id.
func (j JobRef) String() string {
	return j.Workflow + "#" + j.Branch
}

// ParseJobID parses a "workflow#branch" job id.
func ParseJobID(id string) (JobRef, error) {
	wf, branch, ok := strings.Cut(id, "#")
	if !ok || wf == "" || branch == "" {
		return JobRef{}, fmt.Errorf("invalid job id %q", id)
	}

	return JobRef{Workflow: wf, Branch: branch}, nil
}

// Job is a tracked workflow branch.
type Job struct {
	ID       uint   `gorm:"primaryKey"`
	Workflow string `gorm:"not null;uniqueIndex:idx_jobs_wf_branch"`
	Branch   string `gorm:"not null;uniqueIndex:idx_jobs_wf_branch"`
	Category string `gorm:"not null;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref returns the job's identity.
func (j Job) Ref() JobRef {
	return JobRef{Workflow: j.Workflow, Branch: j.Branch}
}

// Build is one stored CI build of a job.
type Build struct {
	ID          uint   `gorm:"primaryKey"`
	Workflow    string `gorm:"not null;uniqueIndex:idx_builds_job_num"`
	Branch      string `gorm:"not null;uniqueIndex:idx_builds_job_num"`
	BuildNumber int64  `gorm:"not null;uniqueIndex:idx_builds_job_num"`

	Timestamp int64 `gorm:"index"`
	URL       string
	Completed bool

	// FullyStored marks that the build and all of its test runs were
	// persisted in one import. Builds without it are retried on the
	// next load.
	FullyStored bool `gorm:"index"`

	PlannedTests int
	RanTests     int
	FailedTests  int

	ImportedAt time.Time
}

// TestRun is one test execution within a stored build.
type TestRun struct {
	ID          uint   `gorm:"primaryKey"`
	Workflow    string `gorm:"not null;index:idx_runs_job"`
	Branch      string `gorm:"not null;index:idx_runs_job"`
	BuildNumber int64  `gorm:"not null;index"`

	TestName         string `gorm:"not null;index"`
	Variant          string
	Failed           bool `gorm:"index"`
	Skipped          bool
	TimestampSeconds int64
	URL              string

	ErrorDetails string `gorm:"type:text"`
	StackTrace   string `gorm:"type:text"`
	Stdout       string `gorm:"type:text"`
	Stderr       string `gorm:"type:text"`
}

// BuildImport is the payload persisted by one idempotent build import.
type BuildImport struct {
	BuildNumber  int64
	Timestamp    int64
	URL          string
	Completed    bool
	PlannedTests int
	Runs         []TestRunImport
}

// TestRunImport is one test outcome within a build import.
type TestRunImport struct {
	TestName         string
	Variant          string
	Failed           bool
	Skipped          bool
	TimestampSeconds int64
	URL              string
	ErrorDetails     string
	StackTrace       string
	Stdout           string
	Stderr           string
}
