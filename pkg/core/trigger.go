package core

import (
	"context"
	"time"
)

// RunSummary describes one completed reconciliation run.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	ListID    string        `json:"list_id"`
	Removed   int           `json:"removed"`
	Appended  int           `json:"appended"`
	DryRun    bool          `json:"dry_run,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Reconciler is what triggers call to run a reconciliation.
// Implementations coalesce overlapping calls.
type Reconciler interface {
	Reconcile(ctx context.Context) (RunSummary, error)
}

// RunStatus is a RunSummary plus the failure, if the run failed.
type RunStatus struct {
	RunSummary
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

// RunReporter is implemented by reconcilers that remember their last run.
type RunReporter interface {
	LastRun() (RunStatus, bool)
}
