package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/lock"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAudit struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]*models.JobRun
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{runs: map[int64]*models.JobRun{}}
}

func (a *fakeAudit) Start(_ context.Context, name string) (models.JobRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.runs {
		if r.JobName == name && r.RunStatus == models.RunStatusRunning {
			return models.JobRun{}, errors.New("duplicate key value violates unique constraint")
		}
	}
	a.nextID++
	run := &models.JobRun{ID: a.nextID, JobName: name, RunStatus: models.RunStatusRunning, StartedAt: time.Now()}
	a.runs[run.ID] = run
	return *run, nil
}

func (a *fakeAudit) Finish(_ context.Context, id int64, status models.RunStatus, logText string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.runs[id]
	r.RunStatus = status
	r.LogText = logText
	now := time.Now()
	r.EndedAt = &now
	return nil
}

func (a *fakeAudit) AbandonRunning(_ context.Context, name, reason string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, r := range a.runs {
		if r.JobName == name && r.RunStatus == models.RunStatusRunning {
			r.RunStatus = models.RunStatusFailed
			r.LogText += "\n" + reason
			n++
		}
	}
	return n, nil
}

func (a *fakeAudit) ListRecent(context.Context, string, int) ([]models.JobRun, error) {
	return nil, nil
}

func (a *fakeAudit) only(t *testing.T) models.JobRun {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.runs, 1)
	for _, r := range a.runs {
		return *r
	}
	return models.JobRun{}
}

type fakeAlerter struct {
	reasons []string
}

func (f *fakeAlerter) NotifyJobFailed(_ context.Context, _ string, _ int64, reason string) error {
	f.reasons = append(f.reasons, reason)
	return nil
}

var policy = LockPolicy{LockName: "lta_upload", MinHold: 0, MaxHold: 30 * time.Minute}

func newRunner(table *lock.Table, audit *fakeAudit, alerter *fakeAlerter) *Runner {
	return NewRunner(lock.NewMemory(table, lock.HolderID(), nil), audit, WithAlerter(alerter))
}

func TestRunSuccess(t *testing.T) {
	audit := newFakeAudit()
	r := newRunner(lock.NewTable(), audit, &fakeAlerter{})

	res := r.Run(context.Background(), policy, Func{
		JobName: "lta_upload",
		Body: func(context.Context) (Report, error) {
			return Report{Success: true, Message: "lta_upload completed: 3 records", Detail: "Extract: SUCCESS"}, nil
		},
	})

	assert.True(t, res.Success)
	assert.Equal(t, "lta_upload completed: 3 records", res.Message)
	run := audit.only(t)
	assert.Equal(t, models.RunStatusSuccess, run.RunStatus)
	assert.Contains(t, run.LogText, "Extract: SUCCESS")
	assert.NotNil(t, run.EndedAt)
}

func TestRunSkipsWhenLockHeldElsewhere(t *testing.T) {
	table := lock.NewTable()
	other := lock.NewMemory(table, "instance-b", nil)
	ok, err := other.TryAcquire(context.Background(), "lta_upload", 0, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	audit := newFakeAudit()
	called := false
	res := newRunner(table, audit, &fakeAlerter{}).Run(context.Background(), policy, Func{
		JobName: "lta_upload",
		Body: func(context.Context) (Report, error) {
			called = true
			return Report{Success: true}, nil
		},
	})

	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already running elsewhere")
	assert.False(t, called)
	assert.Empty(t, audit.runs)
}

func TestRunPreconditionNotMet(t *testing.T) {
	audit := newFakeAudit()
	called := false
	res := newRunner(lock.NewTable(), audit, &fakeAlerter{}).Run(context.Background(), policy, Func{
		JobName: "payment_sync",
		Precondition: func(context.Context) error {
			return errs.Newf(errs.KindPreconditionNotMet, "payment_sync", "sync disabled")
		},
		Body: func(context.Context) (Report, error) {
			called = true
			return Report{Success: true}, nil
		},
	})

	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "preconditions not met")
	assert.False(t, called)
	assert.Equal(t, models.RunStatusSuccess, audit.only(t).RunStatus)
}

func TestRunBodyErrorIsCaptured(t *testing.T) {
	audit := newFakeAudit()
	alerter := &fakeAlerter{}
	table := lock.NewTable()
	r := newRunner(table, audit, alerter)

	res := r.Run(context.Background(), policy, Func{
		JobName: "lta_upload",
		Body: func(context.Context) (Report, error) {
			return Report{}, errors.New("relation ocms_valid_offence_notice does not exist")
		},
	})

	assert.False(t, res.Success)
	run := audit.only(t)
	assert.Equal(t, models.RunStatusFailed, run.RunStatus)
	assert.Contains(t, run.LogText, "does not exist")
	require.Len(t, alerter.reasons, 1)

	entry, ok := table.Entry("lta_upload")
	require.True(t, ok)
	assert.False(t, entry.Live(time.Now()), "lock must be released after a failure")
}

func TestRunPanicIsCaptured(t *testing.T) {
	audit := newFakeAudit()
	table := lock.NewTable()
	r := newRunner(table, audit, &fakeAlerter{})

	var res models.JobResult
	assert.NotPanics(t, func() {
		res = r.Run(context.Background(), policy, Func{
			JobName: "lta_upload",
			Body: func(context.Context) (Report, error) {
				var m map[string]int
				m["boom"]++
				return Report{Success: true}, nil
			},
		})
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "panic")
	assert.Equal(t, models.RunStatusFailed, audit.only(t).RunStatus)

	ok, err := lock.NewMemory(table, "instance-b", nil).TryAcquire(context.Background(), "lta_upload", 0, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunUnsuccessfulReportFails(t *testing.T) {
	audit := newFakeAudit()
	res := newRunner(lock.NewTable(), audit, &fakeAlerter{}).Run(context.Background(), policy, Func{
		JobName: "lta_upload",
		Body: func(context.Context) (Report, error) {
			return Report{Success: false, Message: "lta_upload failed: UploadTransfer (timeout)"}, nil
		},
	})

	assert.False(t, res.Success)
	assert.Equal(t, "lta_upload failed: UploadTransfer (timeout)", res.Message)
	assert.Equal(t, models.RunStatusFailed, audit.only(t).RunStatus)
}

func TestRunAbandonsStaleRunningRow(t *testing.T) {
	audit := newFakeAudit()
	_, err := audit.Start(context.Background(), "lta_upload")
	require.NoError(t, err)

	res := newRunner(lock.NewTable(), audit, &fakeAlerter{}).Run(context.Background(), policy, Func{
		JobName: "lta_upload",
		Body:    func(context.Context) (Report, error) { return Report{Success: true}, nil },
	})

	assert.True(t, res.Success)
	assert.Equal(t, models.RunStatusFailed, audit.runs[1].RunStatus)
	assert.Equal(t, models.RunStatusSuccess, audit.runs[2].RunStatus)
}

type brokenLocks struct{}

func (brokenLocks) TryAcquire(context.Context, string, time.Duration, time.Duration) (bool, error) {
	return false, errs.E(errs.KindTransientInfra, "lock.acquire", errors.New("connection refused"))
}
func (brokenLocks) Release(context.Context, string) error { return nil }

func TestRunLockErrorReportsFailureWithoutRunning(t *testing.T) {
	audit := newFakeAudit()
	res := NewRunner(brokenLocks{}, audit).Run(context.Background(), policy, Func{
		JobName: "lta_upload",
		Body:    func(context.Context) (Report, error) { panic("must not run") },
	})
	assert.False(t, res.Success)
	assert.Empty(t, audit.runs)
}
