package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/backlog"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/config"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/importer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/logx"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/chess-analysis-orchestrator/tui"
)

var (
	outputFormat string
	submitForce  bool
	gamesState   string
	gamesLimit   int
	jobsLimit    int
	cancelUser   int64
	importUser   int64
	importPlayer string
	tuiUser      int64
	pollInterval = 500 * time.Millisecond
)

func init() {
	submitCmd := &cobra.Command{
		Use:   "submit GAME_ID",
		Short: "Analyze one game and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().BoolVar(&submitForce, "force", false, "re-analyze an already analyzed game")
	rootCmd.AddCommand(submitCmd)

	batchCmd := &cobra.Command{
		Use:   "batch USER_ID",
		Short: "Analyze all of a user's unanalyzed and failed games",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatch,
	}
	rootCmd.AddCommand(batchCmd)

	statusCmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.AddCommand(statusCmd)

	jobsCmd := &cobra.Command{
		Use:   "jobs [USER_ID]",
		Short: "List recent jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runJobs,
	}
	jobsCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum jobs to list")
	rootCmd.AddCommand(jobsCmd)

	gamesCmd := &cobra.Command{
		Use:   "games USER_ID",
		Short: "List a user's games",
		Args:  cobra.ExactArgs(1),
		RunE:  runGames,
	}
	gamesCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	gamesCmd.Flags().StringVar(&gamesState, "state", "", "filter by analysis state")
	gamesCmd.Flags().IntVar(&gamesLimit, "limit", 50, "maximum games to list")
	rootCmd.AddCommand(gamesCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel [JOB_ID]",
		Short: "Cancel a job, or the active job of --user",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCancel,
	}
	cancelCmd.Flags().Int64Var(&cancelUser, "user", 0, "cancel this user's active job")
	rootCmd.AddCommand(cancelCmd)

	importCmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import games from PGN files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().Int64Var(&importUser, "user", 0, "owner of the imported games")
	importCmd.Flags().StringVar(&importPlayer, "player", "", "the user's name in the PGN, picks their colour")
	importCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(importCmd)

	positionCmd := &cobra.Command{
		Use:   "analyze-position FEN",
		Short: "Evaluate a single position",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyzePosition,
	}
	positionCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.AddCommand(positionCmd)

	sweepsCmd := &cobra.Command{
		Use:   "sweeps",
		Short: "List scheduled backlog sweeps and their next run",
		RunE:  runSweeps,
	}
	sweepsCmd.Flags().StringVar(&scheduleFile, "schedule", "", "extra sweep schedule file")
	rootCmd.AddCommand(sweepsCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the job monitor",
		RunE:  runTUI,
	}
	tuiCmd.Flags().Int64Var(&tuiUser, "user", 0, "only show this user")
	rootCmd.AddCommand(tuiCmd)
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, arg)
	}
	return id, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runWorkers starts the scheduler in the background and returns a stop
// function that waits for workers to drain
func runWorkers(ctx context.Context, a *app) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.sched.Run(ctx); err != nil {
			a.log.Error().Err(err).Msg("scheduler stopped")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	gameID, err := parseID(args[0], "game id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.sched.SubmitSingle(ctx, gameID, submitForce)
	if err != nil {
		return err
	}
	switch res {
	case scheduler.AlreadyAnalyzed:
		fmt.Printf("Game %d is already analyzed (use --force to re-analyze)\n", gameID)
		return nil
	case scheduler.Conflict:
		return fmt.Errorf("game %d is already being analyzed", gameID)
	}

	stopWorkers := runWorkers(ctx, a)
	defer stopWorkers()

	fmt.Printf("Analyzing game %d...\n", gameID)
	for {
		g, err := a.store.GetGame(ctx, gameID)
		if err != nil {
			return err
		}
		if g.State != domain.StateInProgress {
			return printGameSummary(g)
		}
		select {
		case <-ctx.Done():
			fmt.Println("Interrupted; the game resumes on the next 'serve'")
			return nil
		case <-time.After(pollInterval):
		}
	}
}

func printGameSummary(g *domain.Game) error {
	if g.State == domain.StateFailed {
		return fmt.Errorf("game %d failed: %s", g.ID, g.AnalysisError)
	}
	acc := "-"
	if g.Stats.Accuracy != nil {
		acc = fmt.Sprintf("%.1f", *g.Stats.Accuracy)
	}
	fmt.Printf("Game %d analyzed: accuracy %s, %d blunders, %d mistakes, %d inaccuracies over %d moves\n",
		g.ID, acc, g.Stats.NumBlunders, g.Stats.NumMistakes, g.Stats.NumInaccuracies, g.Stats.NumMoves)
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	userID, err := parseID(args[0], "user id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.sched.SubmitBatch(ctx, userID)
	var conflict *scheduler.JobConflictError
	switch {
	case errors.As(err, &conflict):
		return fmt.Errorf("user %d already has job #%d running", userID, conflict.ExistingJobID)
	case err != nil:
		return err
	}
	if res.Status == domain.JobCompleted {
		fmt.Printf("Nothing to analyze for user %d (job #%d)\n", userID, res.JobID)
		return nil
	}

	stopWorkers := runWorkers(ctx, a)
	defer stopWorkers()

	fmt.Printf("Job #%d: analyzing %d games\n", res.JobID, res.TotalGames)
	last := -1
	for {
		job, err := a.sched.GetJobStatus(ctx, res.JobID)
		if err != nil {
			return err
		}
		if job.Progress != last {
			fmt.Printf("  %3d%%  %d/%d games\n", job.Progress, job.AnalyzedGames, job.TotalGames)
			last = job.Progress
		}
		if job.Status.IsTerminal() {
			fmt.Printf("Job #%d %s: %d failed\n", job.ID, job.Status, job.FailedGames)
			if job.Status == domain.JobFailed {
				return errors.New(job.ErrorMessage)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			fmt.Printf("Interrupted; job #%d resumes on the next 'serve'\n", res.JobID)
			return nil
		case <-time.After(pollInterval):
		}
	}
}

func withStore(fn func(ctx context.Context, store *jobstore.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func runStatus(cmd *cobra.Command, args []string) error {
	jobID, err := parseID(args[0], "job id")
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, store *jobstore.Store) error {
		job, err := store.GetJob(ctx, jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("job #%d not found", jobID)
		}
		if err != nil {
			return err
		}
		view := toJobView(job)
		return render(os.Stdout, outputFormat, view, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "Job:\t#%d (user %d)\n", view.ID, view.UserID)
			fmt.Fprintf(tw, "Status:\t%s\n", view.Status)
			fmt.Fprintf(tw, "Progress:\t%d%% (%d/%d games, %d failed)\n", view.Progress, view.AnalyzedGames, view.TotalGames, view.FailedGames)
			fmt.Fprintf(tw, "Created:\t%s\n", humanize.Time(view.CreatedAt))
			if view.CompletedAt != nil {
				fmt.Fprintf(tw, "Finished:\t%s\n", humanize.Time(*view.CompletedAt))
			}
			if view.ErrorMessage != "" {
				fmt.Fprintf(tw, "Error:\t%s\n", view.ErrorMessage)
			}
		})
	})
}

func runJobs(cmd *cobra.Command, args []string) error {
	var userID int64
	if len(args) == 1 {
		id, err := parseID(args[0], "user id")
		if err != nil {
			return err
		}
		userID = id
	}
	return withStore(func(ctx context.Context, store *jobstore.Store) error {
		jobs, err := store.ListJobs(ctx, userID, jobsLimit)
		if err != nil {
			return err
		}
		views := make([]jobView, len(jobs))
		for i, j := range jobs {
			views[i] = toJobView(j)
		}
		return renderJobs(outputFormat, views)
	})
}

func runGames(cmd *cobra.Command, args []string) error {
	userID, err := parseID(args[0], "user id")
	if err != nil {
		return err
	}
	state := domain.AnalysisState(gamesState)
	if state != "" && !state.Valid() {
		return fmt.Errorf("invalid state %q", gamesState)
	}
	return withStore(func(ctx context.Context, store *jobstore.Store) error {
		games, err := store.ListGames(ctx, jobstore.GameFilter{UserID: userID, State: state, Limit: gamesLimit})
		if err != nil {
			return err
		}
		views := make([]gameView, len(games))
		for i, g := range games {
			views[i] = toGameView(g)
		}
		return renderGames(outputFormat, views)
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && cancelUser == 0 {
		return errors.New("give a JOB_ID or --user")
	}
	return withStore(func(ctx context.Context, store *jobstore.Store) error {
		var jobID int64
		if len(args) == 1 {
			id, err := parseID(args[0], "job id")
			if err != nil {
				return err
			}
			jobID = id
		} else {
			active, err := store.ActiveJobForUser(ctx, cancelUser)
			if errors.Is(err, jobstore.ErrNotFound) {
				return fmt.Errorf("user %d has no active job", cancelUser)
			}
			if err != nil {
				return err
			}
			jobID = active.ID
		}

		job, err := store.CancelJob(ctx, jobID)
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			return fmt.Errorf("job #%d not found", jobID)
		case errors.Is(err, jobstore.ErrJobTerminal):
			return fmt.Errorf("job #%d already finished", jobID)
		case err != nil:
			return err
		}
		fmt.Printf("Cancelled job #%d at %d/%d games\n", job.ID, job.AnalyzedGames, job.TotalGames)
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	if importUser <= 0 {
		return errors.New("--user must be a positive id")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	im := importer.New(store, logx.Component(log, "importer"))
	opts := importer.Options{UserID: importUser, Player: importPlayer}
	for _, path := range args {
		sum, err := im.ImportFile(cmd.Context(), path, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: %d imported, %d already known, %d skipped\n", path, sum.Imported, sum.Duplicates, sum.Skipped)
	}
	return nil
}

func runAnalyzePosition(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Engine.PoolSize = 1
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.sched.AnalyzePosition(ctx, args[0])
	if err != nil {
		return err
	}
	return render(os.Stdout, outputFormat, res, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "FEN:\t%s\n", res.FEN)
		fmt.Fprintf(tw, "Evaluation:\t%+.2f\n", float64(res.Evaluation)/100)
		if res.MateIn != nil {
			fmt.Fprintf(tw, "Mate in:\t%d\n", *res.MateIn)
		}
		if res.BestMoveUCI != "" {
			fmt.Fprintf(tw, "Best move:\t%s (%s)\n", res.BestMoveSAN, res.BestMoveUCI)
		}
		fmt.Fprintf(tw, "Depth:\t%d\n", res.Depth)
	})
}

func loadSweeps(cfg *config.Config) ([]config.SweepConfig, error) {
	path := scheduleFile
	if path == "" {
		path = defaultScheduleFile()
	}
	extra, err := backlog.LoadScheduleFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return backlog.Merge(cfg.Backlog.Sweeps, extra), nil
}

func runSweeps(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sweeps, err := loadSweeps(cfg)
	if err != nil {
		return err
	}
	if len(sweeps) == 0 {
		fmt.Println("No backlog sweeps configured")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SWEEP\tCRON\tMAX USERS\tNEXT RUN")
	for _, sw := range sweeps {
		if err := backlog.Validate(&sw); err != nil {
			fmt.Fprintf(tw, "%s\t%s\t%d\tinvalid: %v\n", sw.Name, sw.Cron, sw.MaxUsers, err)
			continue
		}
		sched, _ := backlog.ParseCron(sw.Cron)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", sw.Name, sw.Cron, sw.MaxUsers, humanize.Time(sched.Next(time.Now())))
	}
	return tw.Flush()
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	model := tui.NewModel(tui.ModelConfig{Source: store, UserID: tuiUser})
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}
