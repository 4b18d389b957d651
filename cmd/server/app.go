package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/callback"
	"github.com/stanstork/ocms-cron/internal/config"
	"github.com/stanstork/ocms-cron/internal/engine"
	"github.com/stanstork/ocms-cron/internal/handlers"
	"github.com/stanstork/ocms-cron/internal/jobs"
	"github.com/stanstork/ocms-cron/internal/lock"
	"github.com/stanstork/ocms-cron/internal/logging"
	"github.com/stanstork/ocms-cron/internal/middleware"
	"github.com/stanstork/ocms-cron/internal/notification"
	"github.com/stanstork/ocms-cron/internal/pipeline"
	"github.com/stanstork/ocms-cron/internal/repository"
	"github.com/stanstork/ocms-cron/internal/routes"
	"github.com/stanstork/ocms-cron/internal/scheduler"
	"github.com/stanstork/ocms-cron/internal/transfer"
	"github.com/stanstork/ocms-cron/internal/utils"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config    *config.Config
	db        *sql.DB
	publicDB  *sql.DB
	logger    zerolog.Logger
	audit     repository.JobRunRepository
	callbacks *callback.Registry
	scheduler *scheduler.Scheduler
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

// newApplication wires every component from cfg. The caller owns close.
func newApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	app.db = db
	if cfg.PublicDatabaseURL != "" {
		if app.publicDB, err = openDB(ctx, cfg.PublicDatabaseURL); err != nil {
			app.close()
			return nil, errors.Wrap(err, "public database")
		}
	} else if len(cfg.Sync.Jobs) > 0 {
		app.close()
		return nil, errors.New("sync jobs configured without public_database_url")
	}

	holder := lock.HolderID()
	var locks lock.Coordinator
	switch cfg.LockDriver {
	case "memory":
		locks = lock.NewMemory(lock.NewTable(), holder, nil)
	default:
		locks = lock.NewPostgres(db, holder)
	}

	app.audit = repository.NewJobRunRepository(db)
	app.callbacks = callback.NewRegistry(repository.NewCallbackRepository(db), holder, logger)

	notifiers := []notification.Notifier{notification.NewLogNotifier(logger)}
	if cfg.Email.SMTPHost != "" {
		email, err := notification.NewEmailNotifier(cfg.Email, logger)
		if err != nil {
			app.close()
			return nil, err
		}
		notifiers = append(notifiers, email)
	}
	alerts := notification.NewService(logger, notifiers...)

	runner := engine.NewRunner(locks, app.audit, engine.WithAlerter(alerts), engine.WithLogger(logger))

	deps := jobs.Deps{
		InternalDB: db,
		PublicDB:   app.publicDB,
		Correlator: app.callbacks,
	}
	if len(cfg.Agencies) > 0 {
		if deps.Encryptor, err = transfer.NewEncryption(cfg.Encryption, logger); err != nil {
			app.close()
			return nil, err
		}
		s3Client, err := transfer.NewS3Client(ctx, cfg.Blob)
		if err != nil {
			app.close()
			return nil, err
		}
		deps.Blob = func(path string) (pipeline.BlobUploader, error) { return transfer.NewBlob(s3Client, path) }
		deps.Transfer = func(dir string) (pipeline.TransferUploader, error) { return transfer.NewSFTP(cfg.SFTP, dir) }
	}
	if cfg.Sync.FieldKey != "" {
		cipher, err := utils.NewFieldCipher(cfg.Sync.FieldKey)
		if err != nil {
			app.close()
			return nil, err
		}
		deps.Codec = cipher
	}

	set, err := jobs.Build(cfg, deps, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	if app.scheduler, err = scheduler.New(runner, set, cfg.Jobs, logger, scheduler.WithDrainGrace(cfg.ShutdownGrace)); err != nil {
		app.close()
		return nil, err
	}

	logger.Info().Str("holder", holder).Str("lock_driver", cfg.LockDriver).Strs("jobs", set.Names()).Msg("application wired")
	return app, nil
}

func (app *application) close() {
	if app.publicDB != nil {
		app.publicDB.Close()
	}
	if app.db != nil {
		app.db.Close()
	}
}

// httpHandler sets up the HTTP router and middleware.
func (app *application) httpHandler() http.Handler {
	router := routes.NewRouter(
		handlers.NewAuthHandler(app.config.JWTSecret, app.logger),
		handlers.NewJobHandler(app.scheduler, app.audit, app.logger),
		handlers.NewCallbackHandler(app.callbacks, app.config.Callback.APIKeyHash, app.logger),
		handlers.NewHealthHandler(app.db),
	)
	logged := middleware.LoggingMiddleware(app.logger)(router)
	recovered := h.RecoveryHandler(
		h.RecoveryLogger(logging.NewPrintln(app.logger, "http")),
		h.PrintRecoveryStack(true),
	)(logged)
	return h.CORS(
		h.AllowedOrigins(app.config.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Api-Key"}),
		h.AllowCredentials(),
	)(recovered)
}
