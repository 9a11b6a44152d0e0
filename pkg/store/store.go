// Package store provides persistence for jobs, builds and test runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ciwatch/testgate/pkg/config"
	"github.com/ciwatch/testgate/pkg/testrun"
)

// ErrInconsistent marks data the store expected to find but did not.
var ErrInconsistent = errors.New("inconsistent stored data")

// Store provides persistence for the ingested CI data.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertJob(ctx context.Context, job JobRef, category string) error
	ListUpstreamJobs(ctx context.Context) ([]JobRef, error)
	HasBuilds(ctx context.Context, job JobRef) (bool, error)

	ListUsableBuilds(
		ctx context.Context, job JobRef, limit int, beforeBuild int64,
	) ([]Build, error)
	ListPartialBuilds(ctx context.Context, job JobRef) ([]int64, error)
	DeletePartialBuild(
		ctx context.Context, job JobRef, buildNumber int64,
	) error
	IsFullyStored(
		ctx context.Context, job JobRef, buildNumber int64,
	) (bool, error)
	ImportBuild(ctx context.Context, job JobRef, b *BuildImport) error

	RunRecords(
		ctx context.Context,
		job JobRef,
		testNames []string,
		buildNumbers []int64,
	) (map[string][]*testrun.RunRecord, error)
	FailedTestNames(
		ctx context.Context, job JobRef, buildNumbers []int64,
	) ([]string, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log          logrus.FieldLogger
	cfg          *config.DatabaseConfig
	thresholdPct int
	db           *gorm.DB
}

// NewStore creates a new Store backed by the configured database
// driver. thresholdPct is the minimum percentage of planned tests
// that must have run for a build to count as usable.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	thresholdPct int,
) Store {
	if thresholdPct <= 0 {
		thresholdPct = config.DefaultUsableThresholdPct
	}

	return &store{
		log:          log.WithField("component", "store"),
		cfg:          cfg,
		thresholdPct: thresholdPct,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Job{},
		&Build{},
		&TestRun{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertJob inserts or updates a job keyed by workflow + branch.
func (s *store) UpsertJob(
	ctx context.Context, job JobRef, category string,
) error {
	row := &Job{
		Workflow: job.Workflow,
		Branch:   job.Branch,
		Category: category,
	}

	result := s.db.WithContext(ctx).
		Where("workflow = ? AND branch = ?", job.Workflow, job.Branch).
		Assign(map[string]any{"category": category}).
		FirstOrCreate(row)
	if result.Error != nil {
		return fmt.Errorf("upserting job: %w", result.Error)
	}

	return nil
}

// ListUpstreamJobs returns all jobs classified as upstream.
func (s *store) ListUpstreamJobs(ctx context.Context) ([]JobRef, error) {
	var jobs []Job
	if err := s.db.WithContext(ctx).
		Where("category = ?", CategoryUpstream).
		Order("workflow, branch").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing upstream jobs: %w", err)
	}

	refs := make([]JobRef, 0, len(jobs))
	for _, j := range jobs {
		refs = append(refs, j.Ref())
	}

	return refs, nil
}

// HasBuilds reports whether any build is stored for the job.
func (s *store) HasBuilds(ctx context.Context, job JobRef) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("workflow = ? AND branch = ?", job.Workflow, job.Branch).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("counting builds: %w", err)
	}

	return count > 0, nil
}

// ListUsableBuilds returns the most recent usable builds of a job,
// newest first. A build is usable when it is fully stored and a
// sufficient fraction of its planned tests actually ran. beforeBuild
// limits the result to builds strictly older than the given number;
// zero means no bound.
func (s *store) ListUsableBuilds(
	ctx context.Context, job JobRef, limit int, beforeBuild int64,
) ([]Build, error) {
	q := s.db.WithContext(ctx).
		Where("workflow = ? AND branch = ?", job.Workflow, job.Branch).
		Where("fully_stored = ?", true).
		Where("ran_tests * 100 >= planned_tests * ?", s.thresholdPct)

	if beforeBuild > 0 {
		q = q.Where("build_number < ?", beforeBuild)
	}

	var builds []Build
	if err := q.Order("build_number DESC").
		Limit(limit).
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing usable builds: %w", err)
	}

	return builds, nil
}

// ListPartialBuilds returns build numbers that were only partially
// stored (an earlier import aborted before completing).
func (s *store) ListPartialBuilds(
	ctx context.Context, job JobRef,
) ([]int64, error) {
	var numbers []int64
	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("workflow = ? AND branch = ? AND fully_stored = ?",
			job.Workflow, job.Branch, false).
		Pluck("build_number", &numbers).Error; err != nil {
		return nil, fmt.Errorf("listing partial builds: %w", err)
	}

	return numbers, nil
}

// DeletePartialBuild removes a partially stored build and its runs so
// the next load retries it.
func (s *store) DeletePartialBuild(
	ctx context.Context, job JobRef, buildNumber int64,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("workflow = ? AND branch = ? AND build_number = ?",
				job.Workflow, job.Branch, buildNumber).
			Delete(&TestRun{}).Error; err != nil {
			return fmt.Errorf("deleting partial build runs: %w", err)
		}

		if err := tx.
			Where("workflow = ? AND branch = ? AND build_number = ?",
				job.Workflow, job.Branch, buildNumber).
			Delete(&Build{}).Error; err != nil {
			return fmt.Errorf("deleting partial build: %w", err)
		}

		return nil
	})
}

// IsFullyStored reports whether the build was completely persisted.
func (s *store) IsFullyStored(
	ctx context.Context, job JobRef, buildNumber int64,
) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("workflow = ? AND branch = ? AND build_number = ? AND fully_stored = ?",
			job.Workflow, job.Branch, buildNumber, true).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking build storage: %w", err)
	}

	return count > 0, nil
}

// ImportBuild persists a build and its test outcomes in one
// transaction. Re-importing the same build replaces its runs and
// recomputes the counts, so imports are idempotent.
func (s *store) ImportBuild(
	ctx context.Context, job JobRef, b *BuildImport,
) error {
	failed := 0
	for _, r := range b.Runs {
		if r.Failed {
			failed++
		}
	}

	planned := b.PlannedTests
	if planned == 0 {
		planned = len(b.Runs)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &Build{
			Workflow:    job.Workflow,
			Branch:      job.Branch,
			BuildNumber: b.BuildNumber,
		}

		assign := map[string]any{
			"timestamp":     b.Timestamp,
			"url":           b.URL,
			"completed":     b.Completed,
			"fully_stored":  false,
			"planned_tests": planned,
			"ran_tests":     len(b.Runs),
			"failed_tests":  failed,
			"imported_at":   time.Now().UTC(),
		}

		if err := tx.
			Where("workflow = ? AND branch = ? AND build_number = ?",
				job.Workflow, job.Branch, b.BuildNumber).
			Assign(assign).
			FirstOrCreate(row).Error; err != nil {
			return fmt.Errorf("upserting build: %w", err)
		}

		if err := tx.
			Where("workflow = ? AND branch = ? AND build_number = ?",
				job.Workflow, job.Branch, b.BuildNumber).
			Delete(&TestRun{}).Error; err != nil {
			return fmt.Errorf("replacing build runs: %w", err)
		}

		runs := make([]TestRun, 0, len(b.Runs))
		for _, r := range b.Runs {
			runs = append(runs, TestRun{
				Workflow:         job.Workflow,
				Branch:           job.Branch,
				BuildNumber:      b.BuildNumber,
				TestName:         r.TestName,
				Variant:          r.Variant,
				Failed:           r.Failed,
				Skipped:          r.Skipped,
				TimestampSeconds: r.TimestampSeconds,
				URL:              r.URL,
				ErrorDetails:     r.ErrorDetails,
				StackTrace:       r.StackTrace,
				Stdout:           r.Stdout,
				Stderr:           r.Stderr,
			})
		}

		if len(runs) > 0 {
			if err := tx.CreateInBatches(runs, 100).Error; err != nil {
				return fmt.Errorf("inserting build runs: %w", err)
			}
		}

		if err := tx.Model(&Build{}).
			Where("workflow = ? AND branch = ? AND build_number = ?",
				job.Workflow, job.Branch, b.BuildNumber).
			Update("fully_stored", true).Error; err != nil {
			return fmt.Errorf("marking build fully stored: %w", err)
		}

		return nil
	})
}

// RunRecords returns the stored run records for the given tests
// across the given builds, grouped by test name. Records are
// annotated with the job's branch family. Runs of a job that was
// never registered are inconsistent data, not an empty result.
func (s *store) RunRecords(
	ctx context.Context,
	job JobRef,
	testNames []string,
	buildNumbers []int64,
) (map[string][]*testrun.RunRecord, error) {
	if len(testNames) == 0 || len(buildNumbers) == 0 {
		return map[string][]*testrun.RunRecord{}, nil
	}

	var jobRow Job
	if err := s.db.WithContext(ctx).
		Where("workflow = ? AND branch = ?", job.Workflow, job.Branch).
		First(&jobRow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf(
				"%w: job %s is not registered", ErrInconsistent, job,
			)
		}

		return nil, fmt.Errorf("loading job: %w", err)
	}

	var rows []TestRun
	if err := s.db.WithContext(ctx).
		Where("workflow = ? AND branch = ?", job.Workflow, job.Branch).
		Where("test_name IN ?", testNames).
		Where("build_number IN ?", buildNumbers).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading run records: %w", err)
	}

	version := testrun.VersionOf(jobRow.Branch)
	out := make(map[string][]*testrun.RunRecord, len(testNames))

	for _, row := range rows {
		rec := &testrun.RunRecord{
			BuildNumber:      row.BuildNumber,
			Variant:          row.Variant,
			Version:          version,
			URL:              row.URL,
			TimestampSeconds: row.TimestampSeconds,
			Failed:           row.Failed,
			Skipped:          row.Skipped,
		}

		if row.ErrorDetails != "" || row.StackTrace != "" ||
			row.Stdout != "" || row.Stderr != "" {
			rec.Output = &testrun.RunOutput{
				ErrorDetails: row.ErrorDetails,
				StackTrace:   row.StackTrace,
				Stdout:       row.Stdout,
				Stderr:       row.Stderr,
			}
		}

		out[row.TestName] = append(out[row.TestName], rec)
	}

	return out, nil
}

// FailedTestNames returns the distinct names of tests that failed at
// least once in the given builds.
func (s *store) FailedTestNames(
	ctx context.Context, job JobRef, buildNumbers []int64,
) ([]string, error) {
	if len(buildNumbers) == 0 {
		return nil, nil
	}

	var names []string
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Distinct("test_name").
		Where("workflow = ? AND branch = ? AND failed = ?",
			job.Workflow, job.Branch, true).
		Where("build_number IN ?", buildNumbers).
		Order("test_name").
		Pluck("test_name", &names).Error; err != nil {
		return nil, fmt.Errorf("listing failed tests: %w", err)
	}

	return names, nil
}
