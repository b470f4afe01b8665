package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
)

// jobView is the printable form of a job
type jobView struct {
	ID            int64      `json:"id" yaml:"id"`
	UserID        int64      `json:"user_id" yaml:"user_id"`
	Status        string     `json:"status" yaml:"status"`
	Progress      int        `json:"progress" yaml:"progress"`
	TotalGames    int        `json:"total_games" yaml:"total_games"`
	AnalyzedGames int        `json:"analyzed_games" yaml:"analyzed_games"`
	FailedGames   int        `json:"failed_games" yaml:"failed_games"`
	ErrorMessage  string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// gameView is the printable form of a game
type gameView struct {
	ID            int64    `json:"id" yaml:"id"`
	UserID        int64    `json:"user_id" yaml:"user_id"`
	White         string   `json:"white" yaml:"white"`
	Black         string   `json:"black" yaml:"black"`
	UserColor     string   `json:"user_color" yaml:"user_color"`
	Result        string   `json:"result" yaml:"result"`
	State         string   `json:"analysis_state" yaml:"analysis_state"`
	Accuracy      *float64 `json:"accuracy,omitempty" yaml:"accuracy,omitempty"`
	AvgCPL        *float64 `json:"average_centipawn_loss,omitempty" yaml:"average_centipawn_loss,omitempty"`
	Blunders      int      `json:"num_blunders" yaml:"num_blunders"`
	Mistakes      int      `json:"num_mistakes" yaml:"num_mistakes"`
	Inaccuracies  int      `json:"num_inaccuracies" yaml:"num_inaccuracies"`
	AnalysisError string   `json:"analysis_error,omitempty" yaml:"analysis_error,omitempty"`
}

func toJobView(j *domain.AnalysisJob) jobView {
	return jobView{
		ID:            j.ID,
		UserID:        j.UserID,
		Status:        string(j.Status),
		Progress:      j.Progress,
		TotalGames:    j.TotalGames,
		AnalyzedGames: j.AnalyzedGames,
		FailedGames:   j.FailedGames,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
	}
}

func toGameView(g *domain.Game) gameView {
	return gameView{
		ID:            g.ID,
		UserID:        g.UserID,
		White:         g.White,
		Black:         g.Black,
		UserColor:     string(g.UserColor),
		Result:        g.Result,
		State:         string(g.State),
		Accuracy:      g.Stats.Accuracy,
		AvgCPL:        g.Stats.AverageCentipawnLoss,
		Blunders:      g.Stats.NumBlunders,
		Mistakes:      g.Stats.NumMistakes,
		Inaccuracies:  g.Stats.NumInaccuracies,
		AnalysisError: g.AnalysisError,
	}
}

// render writes v as json or yaml, or calls table for the default format
func render(w io.Writer, format string, v any, table func(tw *tabwriter.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "", "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func renderJobs(format string, jobs []jobView) error {
	return render(os.Stdout, format, jobs, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "JOB\tUSER\tSTATUS\tPROGRESS\tGAMES\tFAILED\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(tw, "#%d\t%d\t%s\t%d%%\t%d/%d\t%d\t%s\n",
				j.ID, j.UserID, j.Status, j.Progress, j.AnalyzedGames, j.TotalGames,
				j.FailedGames, humanize.Time(j.CreatedAt))
		}
	})
}

func renderGames(format string, games []gameView) error {
	return render(os.Stdout, format, games, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "GAME\tPLAYERS\tCOLOR\tRESULT\tSTATE\tACCURACY\tBLUNDERS\tMISTAKES")
		for _, g := range games {
			acc := "-"
			if g.Accuracy != nil {
				acc = fmt.Sprintf("%.1f", *g.Accuracy)
			}
			fmt.Fprintf(tw, "%d\t%s - %s\t%s\t%s\t%s\t%s\t%d\t%d\n",
				g.ID, g.White, g.Black, g.UserColor, g.Result, g.State, acc, g.Blunders, g.Mistakes)
		}
	})
}
