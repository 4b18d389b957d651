package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/ocms-cron/internal/engine"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stanstork/ocms-cron/internal/reconcile"
)

// TablePair is the same table on both databases.
type TablePair struct {
	Internal reconcile.Store
	Public   reconcile.Store
}

// Sync reconciles a list of tables in one direction.
type Sync struct {
	name       string
	enabled    func() bool
	direction  models.SyncDirection
	pairs      []TablePair
	reconciler *reconcile.Reconciler
}

func NewSync(name string, direction models.SyncDirection, pairs []TablePair, enabled func() bool, r *reconcile.Reconciler) (*Sync, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("sync job %s: unknown direction %q", name, direction)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("sync job %s: no tables configured", name)
	}
	return &Sync{name: name, enabled: enabled, direction: direction, pairs: pairs, reconciler: r}, nil
}

func (j *Sync) Name() string { return j.name }

func (j *Sync) Validate(context.Context) error {
	if j.enabled != nil && !j.enabled() {
		return errs.E(errs.KindPreconditionNotMet, j.name, errors.New("sync.enabled is false"))
	}
	return nil
}

// Execute walks every table even when an earlier one could not be read.
func (j *Sync) Execute(ctx context.Context) (engine.Report, error) {
	var (
		detail []string
		unread []string
		total  int
		failed int
	)
	for _, p := range j.pairs {
		source, target := p.Internal, p.Public
		if j.direction == models.PublicToInternal {
			source, target = p.Public, p.Internal
		}
		rep, err := j.reconciler.Reconcile(ctx, j.direction, source, target)
		if err != nil {
			unread = append(unread, source.Name())
			detail = append(detail, fmt.Sprintf("%s: %v", source.Name(), err))
			continue
		}
		total += rep.Inserted + rep.Updated
		failed += rep.Failed
		detail = append(detail, rep.String())
	}

	msg := fmt.Sprintf("%s: %d rows synced, %d failed across %d tables", j.name, total, failed, len(j.pairs))
	if len(unread) > 0 {
		msg = fmt.Sprintf("%s failed: could not read %s", j.name, strings.Join(unread, ", "))
	}
	return engine.Report{
		Success: len(unread) == 0,
		Message: msg,
		Detail:  strings.Join(detail, "\n"),
	}, nil
}
