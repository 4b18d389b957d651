package engine

import "context"

// Func adapts a precondition and a body into a Job.
type Func struct {
	JobName      string
	Precondition func(ctx context.Context) error
	Body         func(ctx context.Context) (Report, error)
}

func (f Func) Name() string { return f.JobName }

func (f Func) Validate(ctx context.Context) error {
	if f.Precondition == nil {
		return nil
	}
	return f.Precondition(ctx)
}

func (f Func) Execute(ctx context.Context) (Report, error) {
	return f.Body(ctx)
}
