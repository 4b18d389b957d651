// Package reconcile copies dirty rows between the internal and the public
// database and clears their sync flag once the copy landed.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/models"
)

// Store is one side of a sync pair.
type Store interface {
	Name() string
	SelectUnsynced(ctx context.Context) ([]models.SyncRecord, error)
	Exists(ctx context.Context, key map[string]interface{}) (bool, error)
	Insert(ctx context.Context, rec models.SyncRecord) error
	Update(ctx context.Context, rec models.SyncRecord) error
	MarkSynced(ctx context.Context, key map[string]interface{}) error
}

type Report struct {
	Direction models.SyncDirection
	Source    string
	Target    string
	Selected  int
	Inserted  int
	Updated   int
	Failed    int
	Errors    []string
}

func (r Report) String() string {
	s := fmt.Sprintf("%s %s -> %s: selected=%d inserted=%d updated=%d failed=%d",
		r.Direction, r.Source, r.Target, r.Selected, r.Inserted, r.Updated, r.Failed)
	if len(r.Errors) > 0 {
		s += "\n  " + strings.Join(r.Errors, "\n  ")
	}
	return s
}

type Reconciler struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Reconciler {
	return &Reconciler{logger: logger.With().Str("component", "reconciler").Logger()}
}

// Reconcile upserts every unsynced source row into target by primary key and
// then clears the source flag. A failing row is logged and counted; it never
// stops the rest of the batch. Only failing to read the source is an error.
func (r *Reconciler) Reconcile(ctx context.Context, direction models.SyncDirection, source, target Store) (Report, error) {
	report := Report{Direction: direction, Source: source.Name(), Target: target.Name()}
	if !direction.Valid() {
		return report, fmt.Errorf("unknown sync direction %q", direction)
	}
	log := r.logger.With().Str("direction", string(direction)).Str("source", source.Name()).Logger()

	rows, err := source.SelectUnsynced(ctx)
	if err != nil {
		return report, errors.Wrapf(err, "select unsynced rows from %s", source.Name())
	}
	report.Selected = len(rows)

	for _, rec := range rows {
		inserted, err := r.syncOne(ctx, rec, source, target)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", keyString(rec.Key), err))
			log.Error().Err(err).Str("key", keyString(rec.Key)).Msg("row sync failed")
			continue
		}
		if inserted {
			report.Inserted++
		} else {
			report.Updated++
		}
	}

	log.Info().Int("selected", report.Selected).Int("inserted", report.Inserted).
		Int("updated", report.Updated).Int("failed", report.Failed).Msg("reconcile finished")
	return report, nil
}

func (r *Reconciler) syncOne(ctx context.Context, rec models.SyncRecord, source, target Store) (bool, error) {
	if rec.Err != nil {
		return false, errors.Wrap(rec.Err, "decode source row")
	}
	exists, err := target.Exists(ctx, rec.Key)
	if err != nil {
		return false, errors.Wrap(err, "lookup target")
	}
	if exists {
		err = target.Update(ctx, rec)
	} else {
		err = target.Insert(ctx, rec)
	}
	if err != nil {
		return false, err
	}
	// A crash here leaves the flag set; the next run upserts the row again.
	if err := source.MarkSynced(ctx, rec.Key); err != nil {
		return false, errors.Wrap(err, "mark synced")
	}
	return !exists, nil
}

func keyString(key map[string]interface{}) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%v", k, key[k])
	}
	return strings.Join(parts, ",")
}
