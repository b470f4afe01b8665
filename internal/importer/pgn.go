// Package importer seeds the games table from PGN files, either on demand
// or by watching a drop directory.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/notnil/chess"
	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
)

// GameCreator stores imported games
type GameCreator interface {
	CreateGame(ctx context.Context, g *domain.Game) error
}

// Options says who the games belong to
type Options struct {
	UserID int64
	// Player picks the user's colour by name. Games where the player is
	// on neither side are skipped. Empty means the user played white.
	Player string
	// Source names the input for dedup keys; defaults to the file name
	Source string
}

// Summary counts what happened to each game in the input
type Summary struct {
	Source     string  `json:"source"`
	Imported   int     `json:"imported"`
	Duplicates int     `json:"duplicates"`
	Skipped    int     `json:"skipped"`
	GameIDs    []int64 `json:"game_ids"`
}

// Importer turns PGN into stored games
type Importer struct {
	store GameCreator
	log   zerolog.Logger
}

// New creates an Importer
func New(store GameCreator, log zerolog.Logger) *Importer {
	return &Importer{store: store, log: log}
}

// ImportFile imports every game in a PGN file
func (im *Importer) ImportFile(ctx context.Context, path string, opts Options) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if opts.Source == "" {
		opts.Source = filepath.Base(path)
	}
	return im.Import(ctx, f, opts)
}

// Import reads games from r until EOF. Games seen before (same Site URL,
// or same source and index) are counted as duplicates and left alone.
func (im *Importer) Import(ctx context.Context, r io.Reader, opts Options) (*Summary, error) {
	if opts.Source == "" {
		opts.Source = "stdin"
	}
	sum := &Summary{Source: opts.Source}
	log := im.log.With().Str("source", opts.Source).Int64("user_id", opts.UserID).Logger()

	scanner := chess.NewScanner(r)
	index := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		index++

		g, reason := convert(scanner.Next(), opts, index)
		if g == nil {
			log.Debug().Int("index", index).Str("reason", reason).Msg("game skipped")
			sum.Skipped++
			continue
		}

		err := im.store.CreateGame(ctx, g)
		switch {
		case errors.Is(err, jobstore.ErrDuplicate):
			sum.Duplicates++
		case err != nil:
			return sum, fmt.Errorf("storing game %d of %s: %w", index, opts.Source, err)
		default:
			sum.Imported++
			sum.GameIDs = append(sum.GameIDs, g.ID)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return sum, fmt.Errorf("reading PGN: %w", err)
	}

	log.Info().
		Int("imported", sum.Imported).
		Int("duplicates", sum.Duplicates).
		Int("skipped", sum.Skipped).
		Msg("PGN imported")
	return sum, nil
}

// convert returns nil and a reason when the game cannot be analyzed
func convert(game *chess.Game, opts Options, index int) (*domain.Game, string) {
	if tag(game, "FEN") != "" {
		return nil, "custom start position"
	}

	moves := game.Moves()
	if len(moves) == 0 {
		return nil, "no moves"
	}

	white, black := tag(game, "White"), tag(game, "Black")
	color := domain.White
	switch {
	case opts.Player == "":
	case strings.EqualFold(opts.Player, white):
	case strings.EqualFold(opts.Player, black):
		color = domain.Black
	default:
		return nil, "player not in game"
	}

	positions := game.Positions()
	san := make([]string, len(moves))
	for i, mv := range moves {
		san[i] = chess.AlgebraicNotation{}.Encode(positions[i], mv)
	}

	result := tag(game, "Result")
	if result == "" {
		result = string(game.Outcome())
	}

	return &domain.Game{
		UserID:    opts.UserID,
		White:     white,
		Black:     black,
		UserColor: color,
		Moves:     san,
		PGN:       game.String(),
		Result:    result,
		PlayedAt:  playedAt(game),
		SourceKey: sourceKey(game, opts.Source, index),
		State:     domain.StateUnanalyzed,
	}, ""
}

func sourceKey(game *chess.Game, source string, index int) string {
	if site := tag(game, "Site"); strings.HasPrefix(site, "http") {
		return site
	}
	return fmt.Sprintf("%s#%d", source, index)
}

func playedAt(game *chess.Game) *time.Time {
	date := tag(game, "UTCDate")
	if date == "" {
		date = tag(game, "Date")
	}
	t, err := time.Parse("2006.01.02", date)
	if err != nil {
		return nil
	}
	if clock, err := time.Parse("15:04:05", tag(game, "UTCTime")); err == nil {
		t = t.Add(time.Duration(clock.Hour())*time.Hour +
			time.Duration(clock.Minute())*time.Minute +
			time.Duration(clock.Second())*time.Second)
	}
	return &t
}

func tag(game *chess.Game, key string) string {
	if tp := game.GetTagPair(key); tp != nil {
		return strings.TrimSpace(tp.Value)
	}
	return ""
}
