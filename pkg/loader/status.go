package loader

import "time"

// TaskStatus is the externally visible state of one load task. It is
// created at submission, updated by its worker, and retained until
// the sweep removes it.
type TaskStatus struct {
	TaskID   string        `json:"task_id"`
	JobID    string        `json:"job_id"`
	Started  bool          `json:"started"`
	Finished bool          `json:"finished"`
	Progress int           `json:"progress_percent"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
	Messages []string      `json:"messages,omitempty"`

	LastUpdate time.Time `json:"last_update"`
}

// taskState is the coordinator-owned mutable form of a status.
// All access goes through the coordinator's mutex.
type taskState struct {
	TaskStatus

	startedAt  time.Time
	finishedAt time.Time
}

// snapshot returns a copy safe to hand out.
func (t *taskState) snapshot() TaskStatus {
	s := t.TaskStatus
	s.Messages = append([]string(nil), t.Messages...)

	return s
}
