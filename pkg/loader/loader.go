// Package loader ingests builds from the remote build server into
// storage, at most one active ingestion per job at any time.
package loader

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ciwatch/testgate/pkg/config"
	"github.com/ciwatch/testgate/pkg/remote"
	"github.com/ciwatch/testgate/pkg/store"
)

// sweepInterval is how often finished statuses are checked against
// the retention threshold.
const sweepInterval = 5 * time.Minute

// taskQueueSize bounds how many submitted tasks may wait for a
// worker. Single-flight keeps this at one entry per job, so the
// buffer only has to cover the number of tracked jobs.
const taskQueueSize = 1024

// Coordinator ingests builds with single-flight semantics per job and
// reports per-task progress.
type Coordinator interface {
	Start(ctx context.Context) error
	Stop() error

	// Submit schedules a load for the job unless one is already in
	// flight, and returns the task id either way.
	Submit(job store.JobRef, maxBuilds int) string

	Status(taskID string) (TaskStatus, bool)
	Statuses() []TaskStatus
	Unfinished() []TaskStatus
}

// Compile-time interface check.
var _ Coordinator = (*coordinator)(nil)

type taskRequest struct {
	taskID    string
	job       store.JobRef
	maxBuilds int
}

type coordinator struct {
	log    logrus.FieldLogger
	cfg    *config.Config
	store  store.Store
	remote remote.Client

	mu         sync.Mutex
	inProgress map[string]string // job id -> task id
	statuses   map[string]*taskState
	stopped    bool

	tasks chan taskRequest
	pool  errgroup.Group
	done  chan struct{}
	wg    sync.WaitGroup
	ctx   context.Context
}

// NewCoordinator creates the build-ingestion coordinator. One
// coordinator is constructed at process start and owns all load
// state.
func NewCoordinator(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	client remote.Client,
) Coordinator {
	return &coordinator{
		log:        log.WithField("component", "loader"),
		cfg:        cfg,
		store:      st,
		remote:     client,
		inProgress: make(map[string]string),
		statuses:   make(map[string]*taskState),
		tasks:      make(chan taskRequest, taskQueueSize),
		done:       make(chan struct{}),
	}
}

// Start launches the worker pool, the upstream-job heartbeat and the
// status retention sweep.
func (c *coordinator) Start(ctx context.Context) error {
	c.ctx = ctx

	poolSize := c.cfg.Loader.PoolSize

	c.log.WithFields(logrus.Fields{
		"pool_size":          poolSize,
		"heartbeat_interval": c.cfg.Loader.HeartbeatInterval,
		"status_retention":   c.cfg.Loader.StatusRetention,
	}).Info("Starting loader")

	c.pool.SetLimit(poolSize)

	for i := 0; i < poolSize; i++ {
		c.pool.Go(func() error {
			c.workerLoop(ctx)

			return nil
		})
	}

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		heartbeat := time.NewTicker(
			c.cfg.Loader.HeartbeatIntervalDuration(),
		)
		defer heartbeat.Stop()

		sweep := time.NewTicker(sweepInterval)
		defer sweep.Stop()

		// Prime storage immediately instead of waiting a full
		// interval.
		c.heartbeat()

		for {
			select {
			case <-heartbeat.C:
				c.heartbeat()
			case <-sweep.C:
				c.sweep()
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop drains the workers and background goroutines.
func (c *coordinator) Stop() error {
	close(c.done)

	// The heartbeat goroutine submits tasks; it must have exited
	// before the task channel closes.
	c.wg.Wait()

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	close(c.tasks)

	if err := c.pool.Wait(); err != nil {
		return fmt.Errorf("stopping workers: %w", err)
	}

	c.log.Info("Loader stopped")

	return nil
}

// Submit registers a load task for the job if none is in flight and
// returns the task id. Concurrent re-submission for the same job
// returns the already-running task's id.
func (c *coordinator) Submit(job store.JobRef, maxBuilds int) string {
	if maxBuilds <= 0 {
		maxBuilds = c.cfg.Loader.MaxBuilds
	}

	jobID := job.String()

	c.mu.Lock()

	if taskID, ok := c.inProgress[jobID]; ok {
		c.mu.Unlock()

		return taskID
	}

	taskID := uuid.NewString()
	c.inProgress[jobID] = taskID
	c.statuses[taskID] = &taskState{
		TaskStatus: TaskStatus{
			TaskID:     taskID,
			JobID:      jobID,
			LastUpdate: time.Now(),
		},
	}

	// The non-blocking send happens under the mutex: Stop flips
	// stopped under the same mutex before closing the channel, so the
	// send can never hit a closed channel.
	var submitErr error

	switch {
	case c.stopped:
		submitErr = fmt.Errorf("coordinator is stopped")
	default:
		select {
		case c.tasks <- taskRequest{
			taskID: taskID, job: job, maxBuilds: maxBuilds,
		}:
		default:
			// Queue full: finish the task immediately with an error
			// so the job is not stuck in the in-progress registry.
			submitErr = fmt.Errorf("task queue is full")
		}
	}

	c.mu.Unlock()

	if submitErr != nil {
		c.finishTask(taskID, jobID, submitErr)
	}

	return taskID
}

// Status returns a snapshot of one task.
func (c *coordinator) Status(taskID string) (TaskStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.statuses[taskID]
	if !ok {
		return TaskStatus{}, false
	}

	return st.snapshot(), true
}

// Statuses returns snapshots of all retained tasks.
func (c *coordinator) Statuses() []TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TaskStatus, 0, len(c.statuses))
	for _, st := range c.statuses {
		out = append(out, st.snapshot())
	}

	return out
}

// Unfinished returns snapshots of tasks that have not finished yet.
func (c *coordinator) Unfinished() []TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []TaskStatus

	for _, st := range c.statuses {
		if !st.Finished {
			out = append(out, st.snapshot())
		}
	}

	return out
}

// workerLoop consumes tasks until the coordinator stops. Each task is
// a single blocking unit of work with no internal concurrency.
func (c *coordinator) workerLoop(ctx context.Context) {
	for req := range c.tasks {
		select {
		case <-ctx.Done():
			c.finishTask(req.taskID, req.job.String(), ctx.Err())

			continue
		default:
		}

		c.runTask(ctx, req)
	}
}

// runTask executes one load task end to end. The deferred cleanup
// always marks the task finished and releases the job from the
// in-progress registry, whatever the outcome.
func (c *coordinator) runTask(ctx context.Context, req taskRequest) {
	jobID := req.job.String()
	log := c.log.WithFields(logrus.Fields{
		"task": req.taskID,
		"job":  jobID,
	})

	var taskErr error

	defer func() {
		c.finishTask(req.taskID, jobID, taskErr)

		if taskErr != nil {
			log.WithError(taskErr).Warn("Load task failed")
		} else {
			log.Debug("Load task finished")
		}
	}()

	c.markStarted(req.taskID)

	wf, ok := c.cfg.Workflow(req.job.Workflow)
	if !ok {
		c.addMessage(req.taskID,
			"workflow is not configured; no builds loaded")

		return
	}

	if wf.RemoteEndpoint == "" {
		c.addMessage(req.taskID,
			"workflow has no remote endpoint; no builds loaded")

		return
	}

	category := store.CategoryUser
	if wf.IsUpstreamBranch(req.job.Branch) {
		category = store.CategoryUpstream
	}

	if err := c.store.UpsertJob(ctx, req.job, category); err != nil {
		taskErr = err

		return
	}

	numbers, err := c.remote.BuildNumbers(
		ctx, wf.RemoteEndpoint, req.job, req.maxBuilds,
	)
	if err != nil {
		taskErr = err

		return
	}

	known, err := c.store.HasBuilds(ctx, req.job)
	if err != nil {
		taskErr = err

		return
	}

	if known {
		// Partially stored builds are deleted so the fetch below
		// retries them; fully stored builds are excluded.
		partials, err := c.store.ListPartialBuilds(ctx, req.job)
		if err != nil {
			taskErr = err

			return
		}

		for _, n := range partials {
			if err := c.store.DeletePartialBuild(
				ctx, req.job, n,
			); err != nil {
				taskErr = err

				return
			}
		}

		remaining := numbers[:0]

		for _, n := range numbers {
			stored, err := c.store.IsFullyStored(ctx, req.job, n)
			if err != nil {
				taskErr = err

				return
			}

			if !stored {
				remaining = append(remaining, n)
			}
		}

		numbers = remaining
	}

	total := len(numbers)
	if total == 0 {
		c.addMessage(req.taskID, "no builds to load")

		return
	}

	log.WithField("builds", total).Info("Loading builds")

	for i, n := range numbers {
		payload, err := c.remote.Build(
			ctx, wf.RemoteEndpoint, req.job, n,
		)
		if err != nil {
			taskErr = err

			return
		}

		switch {
		case !payload.Completed:
			c.addMessage(req.taskID, fmt.Sprintf(
				"build %d is not completed yet; skipped", n,
			))
		case wf.ShouldSkip(payload.Labels):
			c.addMessage(req.taskID, fmt.Sprintf(
				"build %d matches a skip label; skipped", n,
			))
		default:
			imp := &store.BuildImport{
				BuildNumber:  payload.BuildNumber,
				Timestamp:    payload.Timestamp,
				URL:          payload.URL,
				Completed:    payload.Completed,
				PlannedTests: payload.PlannedTests,
			}

			for _, t := range payload.Tests {
				imp.Runs = append(imp.Runs, store.TestRunImport{
					TestName:         t.Name,
					Variant:          t.Variant,
					Failed:           t.Failed,
					Skipped:          t.Skipped,
					TimestampSeconds: t.TimestampSeconds,
					URL:              t.URL,
					ErrorDetails:     t.ErrorDetails,
					StackTrace:       t.StackTrace,
					Stdout:           t.Stdout,
					Stderr:           t.Stderr,
				})
			}

			if err := c.store.ImportBuild(
				ctx, req.job, imp,
			); err != nil {
				taskErr = err

				return
			}
		}

		c.setProgress(req.taskID, progressPct(i+1, total))
	}
}

// progressPct maps loaded/total onto [0..100].
func progressPct(loaded, total int) int {
	if total <= 0 {
		return 100
	}

	pct := int(math.Round(100 * float64(loaded) / float64(total)))
	if pct > 100 {
		pct = 100
	}

	return pct
}

// markStarted records that a worker picked the task up.
func (c *coordinator) markStarted(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.statuses[taskID]; ok {
		st.Started = true
		st.startedAt = time.Now()
		st.LastUpdate = st.startedAt
	}
}

// setProgress updates a task's progress percentage.
func (c *coordinator) setProgress(taskID string, pct int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.statuses[taskID]; ok {
		if pct > st.Progress {
			st.Progress = pct
		}

		st.LastUpdate = time.Now()
	}
}

// addMessage appends a human-readable progress message.
func (c *coordinator) addMessage(taskID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.statuses[taskID]; ok {
		st.Messages = append(st.Messages, msg)
		st.LastUpdate = time.Now()
	}
}

// finishTask marks the task finished, captures any error (with an
// actionable hint for host-resolution failures) and releases the job
// from the in-progress registry.
func (c *coordinator) finishTask(taskID, jobID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inProgress, jobID)

	st, ok := c.statuses[taskID]
	if !ok {
		return
	}

	st.Finished = true
	st.finishedAt = time.Now()
	st.LastUpdate = st.finishedAt

	if st.Started {
		st.Duration = st.finishedAt.Sub(st.startedAt)
	}

	if err != nil {
		st.Error = err.Error()

		if hint := remote.HintFor(err); hint != "" {
			st.Messages = append(st.Messages, hint)
		}
	} else {
		st.Progress = 100
	}
}

// heartbeat submits loads for every configured upstream job.
func (c *coordinator) heartbeat() {
	submitted := 0

	for wfName, wf := range c.cfg.Workflows {
		if wf.RemoteEndpoint == "" {
			continue
		}

		for _, branch := range wf.UpstreamBranches {
			c.Submit(store.JobRef{
				Workflow: wfName,
				Branch:   branch,
			}, c.cfg.Loader.MaxBuilds)

			submitted++
		}
	}

	if submitted > 0 {
		c.log.WithField("jobs", submitted).
			Debug("Heartbeat submitted upstream loads")
	}
}

// sweep removes finished statuses older than the retention threshold.
func (c *coordinator) sweep() {
	retention := c.cfg.Loader.StatusRetentionDuration()
	cutoff := time.Now().Add(-retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, st := range c.statuses {
		if st.Finished && st.finishedAt.Before(cutoff) {
			delete(c.statuses, id)
		}
	}
}
