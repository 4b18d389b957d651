// Package jobs binds configuration to runnable engine jobs: agency file
// uploads and database sync jobs.
package jobs

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/config"
	"github.com/stanstork/ocms-cron/internal/engine"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stanstork/ocms-cron/internal/pipeline"
	"github.com/stanstork/ocms-cron/internal/reconcile"
	"github.com/stanstork/ocms-cron/internal/render"
	"github.com/stanstork/ocms-cron/internal/repository"
)

// Deps are the shared collaborators jobs are built from. The factories are
// called once per agency.
type Deps struct {
	InternalDB *sql.DB
	PublicDB   *sql.DB
	Codec      repository.FieldCodec
	Correlator pipeline.Correlator
	Encryptor  pipeline.Encryptor
	Blob       func(blobPath string) (pipeline.BlobUploader, error)
	Transfer   func(remoteDir string) (pipeline.TransferUploader, error)
}

// Set is the catalogue of jobs known to this process.
type Set struct {
	jobs map[string]engine.Job
}

func NewSet(jobs ...engine.Job) (*Set, error) {
	s := &Set{jobs: make(map[string]engine.Job, len(jobs))}
	for _, j := range jobs {
		if _, dup := s.jobs[j.Name()]; dup {
			return nil, fmt.Errorf("job %q defined twice", j.Name())
		}
		s.jobs[j.Name()] = j
	}
	return s, nil
}

func (s *Set) Get(name string) (engine.Job, bool) {
	j, ok := s.jobs[name]
	return j, ok
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build creates every agency and sync job in cfg.
func Build(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Set, error) {
	var all []engine.Job

	settings := pipeline.Settings{
		AppCode:      cfg.Encryption.AppCode,
		CallbackTTL:  cfg.Callback.TTL,
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
	}
	outbox := repository.NewOutboxRepository(deps.InternalDB)
	for _, a := range cfg.Agencies {
		blob, err := deps.Blob(a.BlobPath)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", a.Job, err)
		}
		transfer, err := deps.Transfer(a.RemoteDir)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", a.Job, err)
		}
		source := NewOutbox(outbox, a.AgencyCode)
		pipe, err := pipeline.New(a.Job, pipeline.Stages{
			Extractor: source,
			Renderer:  render.Delimited{Prefix: a.FilePrefix, Columns: a.Columns},
			Encryptor: deps.Encryptor,
			Blob:      blob,
			Transfer:  transfer,
			Marker:    source,
		}, deps.Correlator, settings, logger)
		if err != nil {
			return nil, err
		}
		all = append(all, NewAgencyUpload(pipe))
	}

	reconciler := reconcile.New(logger)
	enabled := func() bool { return cfg.Sync.Enabled }
	for _, sj := range cfg.Sync.Jobs {
		pairs := make([]TablePair, 0, len(sj.Tables))
		for _, t := range sj.Tables {
			spec := repository.TableSpec{
				Table:      t.Table,
				Keys:       t.Keys,
				Columns:    t.Columns,
				Encrypted:  t.Encrypted,
				FlagColumn: t.FlagCol,
			}
			internal, err := repository.NewTableStore(deps.InternalDB, repository.TableSpec{
				Table: spec.Table, Keys: spec.Keys, Columns: spec.Columns, FlagColumn: spec.FlagColumn,
			}, nil)
			if err != nil {
				return nil, fmt.Errorf("job %s: %w", sj.Job, err)
			}
			public, err := repository.NewTableStore(deps.PublicDB, spec, deps.Codec)
			if err != nil {
				return nil, fmt.Errorf("job %s: %w", sj.Job, err)
			}
			pairs = append(pairs, TablePair{Internal: internal, Public: public})
		}
		job, err := NewSync(sj.Job, models.SyncDirection(sj.Direction), pairs, enabled, reconciler)
		if err != nil {
			return nil, err
		}
		all = append(all, job)
	}

	return NewSet(all...)
}
