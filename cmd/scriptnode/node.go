package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	abciserver "github.com/cometbft/cometbft/abci/server"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/scriptnode/internal/abciapp"
	"github.com/danmuck/scriptnode/internal/admin"
	"github.com/danmuck/scriptnode/internal/config"
	"github.com/danmuck/scriptnode/internal/journal"
	"github.com/danmuck/scriptnode/internal/logging"
	"github.com/danmuck/scriptnode/internal/observability"
	"github.com/danmuck/scriptnode/internal/runner"
	"github.com/danmuck/scriptnode/internal/sandbox"
	"github.com/danmuck/scriptnode/internal/scripts"
	"github.com/danmuck/scriptnode/internal/store"
	"github.com/danmuck/scriptnode/internal/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

type options struct {
	configPath string
	scriptsDir string
	abciAddr   string
	adminAddr  string
	replay     string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("scriptnode", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	fs.StringVar(&opts.scriptsDir, "scripts", "", "script directory (overrides scripts_dir)")
	fs.StringVar(&opts.abciAddr, "abci", "", "ABCI listen address (overrides abci_addr)")
	fs.StringVar(&opts.adminAddr, "admin", "", "admin HTTP address (overrides admin_addr)")
	fs.StringVar(&opts.replay, "replay", "", "replay a journal against a fresh store and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.scriptsDir != "" {
		cfg.ScriptsDir = opts.scriptsDir
	}
	if opts.abciAddr != "" {
		cfg.ABCIAddr = opts.abciAddr
	}
	if opts.adminAddr != "" {
		cfg.AdminAddr = opts.adminAddr
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	logging.ConfigureRuntime()
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: cfg.Name,
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	reg, err := scripts.Scan(cfg.ScriptsDir, cfg.ScriptExt)
	if err != nil {
		return err
	}
	log.Info().
		Str("dir", cfg.ScriptsDir).
		Strs("query", reg.Names(scripts.KindQuery)).
		Strs("execute", reg.Names(scripts.KindExecute)).
		Msg("scripts registered")

	rt := sandbox.New(
		sandbox.WithLogger(observability.Component("script")),
		sandbox.WithMaxTasks(cfg.MaxTasks),
	)

	if opts.replay != "" {
		return replayJournal(ctx, opts.replay, rt, reg)
	}
	return serve(ctx, cfg, rt, reg)
}

func serve(ctx context.Context, cfg config.Config, rt *sandbox.Runtime, reg *scripts.Registry) error {
	backend, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	runnerOpts := []runner.Option{runner.WithQueueSize(cfg.QueueSize)}
	if cfg.JournalPath != "" {
		// Height restarts at zero, so each process writes a fresh journal.
		f, err := os.OpenFile(cfg.JournalPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer f.Close()
		runnerOpts = append(runnerOpts, runner.WithRecorder(journal.NewWriter(f)))
	}

	r := runner.New(store.NewShared(backend), rt, reg, runnerOpts...)
	client := runner.NewClient(r)
	app := abciapp.New(client, reg)

	srv, err := abciserver.NewServer(cfg.ABCIAddr, cfg.ABCITransport, app)
	if err != nil {
		return fmt.Errorf("abci server: %w", err)
	}
	srv.SetLogger(newCometLogger(observability.Component("abci-server")))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("abci server start: %w", err)
		}
		log.Info().Str("addr", cfg.ABCIAddr).Str("transport", cfg.ABCITransport).Msg("abci listening")
		<-gctx.Done()
		return srv.Stop()
	})
	if cfg.AdminAddr != "" {
		adm := admin.New(cfg.Name, cfg.AdminAddr, cfg.CORSOrigins, client, reg, admin.WithToken(cfg.AdminToken))
		g.Go(func() error { return adm.Serve(gctx) })
	}

	log.Info().Str("node", cfg.Name).Str("store", cfg.Store.Backend).Msg("node started")
	err = g.Wait()
	log.Info().Str("node", cfg.Name).Err(err).Msg("node stopped")
	return err
}

func openStore(cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("close sqlite store")
			}
		}, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func replayJournal(ctx context.Context, path string, rt *sandbox.Runtime, reg *scripts.Registry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	r := runner.New(store.NewShared(store.NewMemoryStore()), rt, reg)
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-r.Done()
	}()
	go func() { _ = r.Run(runCtx) }()

	sum, err := journal.Replay(ctx, f, runner.NewClient(r))
	if err != nil {
		return err
	}
	log.Info().
		Int("executes", sum.Executes).
		Int("failed", sum.Failed).
		Int("commits", sum.Commits).
		Int64("height", sum.Height).
		Hex("digest", sum.Digest).
		Msg("journal replay matched")
	return nil
}
