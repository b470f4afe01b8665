package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/backlog"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/config"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/importer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/logx"
	"github.com/hochfrequenz/chess-analysis-orchestrator/web/api"
)

var (
	servePort    int
	scheduleFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers, backlog sweeps and the HTTP API",
	Long: `Serve recovers work left by a previous run, starts the analysis workers
and exposes the HTTP API with SSE and websocket progress streams.
Configured backlog sweeps and the PGN drop directory are started as well.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override web.port")
	serveCmd.Flags().StringVar(&scheduleFile, "schedule", "", "extra sweep schedule file")
	rootCmd.AddCommand(serveCmd)
}

func defaultScheduleFile() string {
	return filepath.Join(filepath.Dir(config.DefaultConfigPath()), "sweeps.toml")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	log := newLogger(cfg)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sched.Recover(ctx); err != nil {
		return fmt.Errorf("recovering queued work: %w", err)
	}

	sweeps, err := loadSweeps(cfg)
	if err != nil {
		return err
	}
	if len(sweeps) > 0 {
		sweeper, err := backlog.NewSweeper(sweeps, a.store, a.sched, logx.Component(log, "backlog"))
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if dir := cfg.Import.WatchDir; dir != "" {
		w, err := startImportWatcher(ctx, a, config.ExpandPath(dir))
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(addr, a.sched, a.store, a.broker,
		api.WithLogger(logx.Component(log, "api")),
		api.WithMetricsHandler(a.metrics.Handler()),
		api.WithObserver(a.observer),
		api.WithEngineStats(a.pool),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sched.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	err = g.Wait()
	log.Info().Msg("shut down")
	return err
}

// startImportWatcher imports the PGN files already in dir, then every file
// written there afterwards
func startImportWatcher(ctx context.Context, a *app, dir string) (*importer.Watcher, error) {
	log := logx.Component(a.log, "importer")
	im := importer.New(a.store, log)
	opts := importer.Options{UserID: a.cfg.Import.UserID, Player: a.cfg.Import.PlayerName}

	importAll := func(files []string) {
		for _, path := range files {
			sum, err := im.ImportFile(ctx, path, opts)
			if err != nil {
				log.Warn().Err(err).Str("file", path).Msg("import failed")
				continue
			}
			log.Info().
				Str("file", path).
				Int("imported", sum.Imported).
				Int("duplicates", sum.Duplicates).
				Int("skipped", sum.Skipped).
				Msg("pgn imported")
		}
	}

	w, err := importer.NewWatcher(dir, importAll, log)
	if err != nil {
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	importAll(w.Existing())
	w.Start(ctx)
	return w, nil
}
