package job

import (
	"context"
	"time"

	"github.com/grailbio/pathoscope/store"
)

// Status is the state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// StatusSink receives the state transitions of a job.
type StatusSink interface {
	// RecordTransition records that the job entered status while at stage.
	// Progress is the fraction of stages completed. Rec is set for the
	// error and cancelled statuses.
	RecordTransition(ctx context.Context, stage string, status Status, progress float64, rec *store.ErrorRecord) error
}

type storeSink struct {
	s     store.Store
	jobID string
	now   func() time.Time
}

// NewStoreSink returns a sink appending transitions to the status history of
// a job document.
func NewStoreSink(s store.Store, jobID string) StatusSink {
	return &storeSink{s: s, jobID: jobID, now: time.Now}
}

func (k *storeSink) RecordTransition(ctx context.Context, stage string, status Status, progress float64, rec *store.ErrorRecord) error {
	return k.s.AppendStatus(ctx, k.jobID, store.Status{
		State:     string(status),
		Stage:     stage,
		Progress:  progress,
		Error:     rec,
		Timestamp: k.now().UTC(),
	})
}
