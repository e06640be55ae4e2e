package jobs

import "context"

// Job is a unit of background work.
type Job interface {
	Type() string
	Payload() any
	// Context is passed to the handler.
	Context() context.Context
}

// BaseJob is the default Job.
type BaseJob struct {
	jobType string
	payload any
	ctx     context.Context
}

// NewJob returns a BaseJob of jobType carrying payload.
func NewJob(ctx context.Context, jobType string, payload any) *BaseJob {
	return &BaseJob{jobType: jobType, payload: payload, ctx: ctx}
}

func (b *BaseJob) Type() string { return b.jobType }

func (b *BaseJob) Payload() any { return b.payload }

func (b *BaseJob) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}
