// Command arkiv runs the scanned-document archive service: routing, QC
// queue, archive organiser, batch merger, storage, authorisation and the
// HTTP surface, wired in dependency order.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/config"
	"github.com/hazyhaar/arkiv/dbopen"
	"github.com/hazyhaar/arkiv/feedback"
	"github.com/hazyhaar/arkiv/hooks"
	"github.com/hazyhaar/arkiv/httpapi"
	"github.com/hazyhaar/arkiv/merge"
	"github.com/hazyhaar/arkiv/pipeline"
	"github.com/hazyhaar/arkiv/qcqueue"
	"github.com/hazyhaar/arkiv/routing"
	"github.com/hazyhaar/arkiv/shield"
	"github.com/hazyhaar/arkiv/storage"
)

func main() {
	cfg, err := config.Load(env("ARKIV_CONFIG", "arkiv.yaml"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	// Storage backend.
	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "s3":
		backend, err = storage.NewS3(ctx, storage.S3Options{
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			PathStyle: cfg.Storage.Endpoint != "",
		})
	default:
		backend, err = storage.NewLocal(cfg.Storage.Path, cfg.Storage.MaxVersionsPerObject)
	}
	if err != nil {
		slog.Error("storage backend", "error", err)
		os.Exit(1)
	}

	// Encryption at rest; the key file is created on first boot.
	var cipher storage.Cipher
	key, err := authz.LoadOrCreateKey(filepath.Join(cfg.DataDir, ".encryption_key"))
	if err != nil {
		slog.Error("encryption key", "error", err)
		os.Exit(1)
	}
	if c, err := authz.NewCipher(key); err != nil {
		slog.Error("cipher", "error", err)
		os.Exit(1)
	} else {
		cipher = c
	}

	// Metadata DB — synchronous FULL so an acknowledged put survives power
	// loss.
	metaDB, err := dbopen.Open(filepath.Join(cfg.DataDir, cfg.DB.Name+".db"),
		dbopen.WithMkdirAll(),
		dbopen.WithSynchronous("FULL"),
		dbopen.WithMaxConns(cfg.DB.MaxConnections))
	if err != nil {
		slog.Error("metadata db", "error", err)
		os.Exit(1)
	}
	defer metaDB.Close()
	meta, err := storage.NewMetaDB(metaDB)
	if err != nil {
		slog.Error("metadata schema", "error", err)
		os.Exit(1)
	}
	store := storage.NewManager(backend, meta, cipher, logger)

	// Archive index + organiser.
	indexDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "archive_index.db"), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("archive index db", "error", err)
		os.Exit(1)
	}
	defer indexDB.Close()
	index, err := archive.NewIndex(indexDB)
	if err != nil {
		slog.Error("archive index", "error", err)
		os.Exit(1)
	}
	org := archive.NewOrganizer(store, index, logger)
	org.StartReindexer(done, time.Minute)

	// Routing decisions share the index DB file.
	decisions, err := routing.NewStore(indexDB)
	if err != nil {
		slog.Error("routing store", "error", err)
		os.Exit(1)
	}

	// Feedback log + QC queue.
	fb, err := feedback.NewLog(filepath.Join(cfg.DataDir, "feedback"))
	if err != nil {
		slog.Error("feedback log", "error", err)
		os.Exit(1)
	}
	defer fb.Close()
	queue, err := qcqueue.Open(filepath.Join(cfg.DataDir, "qc_queue.jsonl"), fb)
	if err != nil {
		slog.Error("qc queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()
	queue.StartSweeper(done, time.Minute)

	// Auth: users + sessions in one DB, audit in its own.
	usersDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "users.db"), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("users db", "error", err)
		os.Exit(1)
	}
	defer usersDB.Close()
	users, err := authz.NewUserStore(usersDB)
	if err != nil {
		slog.Error("user store", "error", err)
		os.Exit(1)
	}
	sessions, err := authz.NewSessionStore(usersDB, time.Duration(cfg.Sessions.DurationHours)*time.Hour)
	if err != nil {
		slog.Error("session store", "error", err)
		os.Exit(1)
	}
	sessions.StartJanitor(ctx, time.Duration(cfg.Sessions.CleanupIntervalHours)*time.Hour)

	auditDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "audit_log.db"), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("audit db", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()
	audit, err := authz.NewAuditLog(auditDB, 1024)
	if err != nil {
		slog.Error("audit log", "error", err)
		os.Exit(1)
	}
	defer audit.Close()
	go auditJanitor(ctx, audit, cfg.Audit.RetentionDays)

	if err := seedAdmin(ctx, users); err != nil {
		slog.Error("seed admin", "error", err)
		os.Exit(1)
	}

	// Hooks.
	dispatcher := hooks.NewDispatcher(meta, logger, hooks.Options{
		QueueSize:   cfg.Hooks.QueueSize,
		BlockOnFull: !cfg.Hooks.Async,
	})
	defer dispatcher.Close()

	pipe := pipeline.New(decisions, queue, org, dispatcher, logger)

	// Rate limiting.
	loginMax, _, err := config.ParseRate(cfg.RateLimit.Login)
	if err != nil {
		slog.Error("rate limit", "error", err)
		os.Exit(1)
	}
	globalDay, _, err := config.ParseRate(cfg.RateLimit.Global)
	if err != nil {
		slog.Error("rate limit", "error", err)
		os.Exit(1)
	}
	limiter := shield.NewRateLimiter(shield.LoginRules("/api/auth/login", loginMax, globalDay/4, globalDay)...)
	limiter.StartGC(done, 5*time.Minute)

	srv := httpapi.New(httpapi.Deps{
		Users:     users,
		Sessions:  sessions,
		Policy:    authz.DefaultPolicy(),
		Audit:     audit,
		Decisions: decisions,
		Queue:     queue,
		Feedback:  fb,
		Organizer: org,
		Thumbs:    archive.NewThumbnailer(store, index),
		Merger:    merge.NewMerger(store, index, logger),
		Pipeline:  pipe,
		Hooks:     dispatcher,
		Limiter:   limiter,
		Log:       logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", addr, "backend", store.Backend())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// seedAdmin creates the bootstrap account on an empty user table. The
// password must be rotated on first login; it is logged once on purpose.
func seedAdmin(ctx context.Context, users *authz.UserStore) error {
	n, err := users.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	password := env("ARKIV_ADMIN_PASSWORD", "")
	if password == "" {
		password = "admin-" + time.Now().UTC().Format("20060102")
		slog.Warn("seeding admin with generated password", "password", password)
	}
	u, err := users.Create(ctx, authz.NewUserParams{
		Username:       "admin",
		Password:       password,
		Department:     "it",
		ClearanceLevel: 3,
		Roles:          []string{authz.RoleAdmin},
	})
	if err != nil {
		return err
	}
	slog.Info("admin user seeded", "user_id", u.UserID)
	return nil
}

func auditJanitor(ctx context.Context, audit *authz.AuditLog, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := audit.Cleanup(ctx, retentionDays); err != nil {
				slog.Warn("audit cleanup", "error", err)
			} else if n > 0 {
				slog.Info("audit cleanup", "deleted", n)
			}
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
