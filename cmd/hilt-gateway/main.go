package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/api"
	"github.com/patjackson52/hilt/internal/archive"
	"github.com/patjackson52/hilt/internal/config"
	"github.com/patjackson52/hilt/internal/jobs"
	"github.com/patjackson52/hilt/internal/review"
	"github.com/patjackson52/hilt/internal/store"
	"github.com/patjackson52/hilt/internal/store/sqlstore"
	"github.com/patjackson52/hilt/internal/webhook"
)

func main() {
	if err := run(os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "hilt-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string) error {
	fs := flag.NewFlagSet("hilt-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to hilt config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := firstNonEmpty(*configPath, getenv("HILT_CONFIG_PATH"))
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ListenAddr = firstNonEmpty(getenv("HILT_LISTEN_ADDR"), cfg.ListenAddr)

	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, cleanup, err := openStore(cfg.DB)
	if err != nil {
		return err
	}
	defer cleanup()

	// Jobs left running by an unclean shutdown go back to pending.
	if err := st.ResetRunningJobs(); err != nil {
		return err
	}

	queue := jobs.New(st, log)

	dispatcher := webhook.NewDispatcher(st, queue, log)
	if cfg.Dispatcher.PollIntervalSeconds > 0 {
		dispatcher.PollInterval = time.Duration(cfg.Dispatcher.PollIntervalSeconds) * time.Second
	}
	if cfg.Dispatcher.RetryGapSeconds > 0 {
		dispatcher.RetryGap = time.Duration(cfg.Dispatcher.RetryGapSeconds) * time.Second
	}

	archiver := archive.NewArchiver(st, queue, log)
	if cfg.Archiver.PollIntervalSeconds > 0 {
		archiver.PollInterval = time.Duration(cfg.Archiver.PollIntervalSeconds) * time.Second
	}
	if cfg.Archiver.ArchiveAfterDays > 0 {
		archiver.AfterDays = cfg.Archiver.ArchiveAfterDays
	}

	service := review.NewService(st, log)
	handler := &api.Handler{Service: service, Store: st, Log: log}
	guard := api.NewGuard(st, log)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(handler, guard),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); queue.Run(ctx) }()
	go func() { defer wg.Done(); dispatcher.Run(ctx) }()
	go func() { defer wg.Done(); archiver.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		log.Info("hilt-gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	// Workers drain their in-flight batch before exiting.
	wg.Wait()
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = parsed
	}
	return cfg.Build()
}

func openStore(db config.DBConfig) (store.Store, func(), error) {
	switch db.Driver {
	case "", "memory":
		return store.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		st, err := sqlstore.OpenSQLite(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported db driver: %s", db.Driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
