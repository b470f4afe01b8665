// Package jobstore persists games, analysis jobs and move records in SQLite.
// It is the source of truth for every state transition; in-memory queues
// are rebuilt from it.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
)

var (
	// ErrNotFound is returned when a game or job does not exist
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a compare-and-set transition finds
	// the row in a different state than expected
	ErrStateConflict = errors.New("state conflict")
	// ErrJobTerminal is returned when mutating a completed, failed or cancelled job
	ErrJobTerminal = errors.New("job already terminal")
	// ErrCapacityExceeded is returned when the processing-job ceiling is reached
	ErrCapacityExceeded = errors.New("processing capacity exceeded")
	// ErrDuplicate is returned when a game with the same source key exists
	ErrDuplicate = errors.New("duplicate game")
)

// JobConflictError is returned when the user already has an active job
type JobConflictError struct {
	ExistingJobID int64
}

func (e *JobConflictError) Error() string {
	return fmt.Sprintf("job #%d already running", e.ExistingJobID)
}

// Store provides SQLite-backed game and job persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// New creates a new Store with the given database path.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const gameColumns = `id, user_id, white, black, user_color, moves, pgn, result, played_at, source_key,
	analysis_state, job_id, average_centipawn_loss, accuracy, num_moves, num_blunders, num_mistakes,
	num_inaccuracies, analysis_error, analyzed_at, created_at, updated_at`

// CreateGame inserts an imported game and sets its ID.
// Returns ErrDuplicate if the user already has a game with the same SourceKey.
func (s *Store) CreateGame(ctx context.Context, g *domain.Game) error {
	if g.State == "" {
		g.State = domain.StateUnanalyzed
	}
	if !g.State.Valid() {
		return fmt.Errorf("invalid analysis state %q", g.State)
	}
	if g.UserColor != domain.White && g.UserColor != domain.Black {
		return fmt.Errorf("invalid user color %q", g.UserColor)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO games (user_id, white, black, user_color, moves, pgn, result, played_at, source_key, analysis_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, source_key) DO NOTHING
	`,
		g.UserID,
		g.White,
		g.Black,
		string(g.UserColor),
		g.MoveText(),
		g.PGN,
		g.Result,
		nullTime(g.PlayedAt),
		nullString(g.SourceKey),
		string(g.State),
		now,
		now,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	g.ID = id
	g.CreatedAt = now
	g.UpdatedAt = now
	return nil
}

// GetGame retrieves a game by ID
func (s *Store) GetGame(ctx context.Context, id int64) (*domain.Game, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = ?`, id)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// GameFilter specifies filters for listing games
type GameFilter struct {
	UserID int64
	State  domain.AnalysisState
	Limit  int
	Offset int
}

// ListGames returns games matching the filter, newest first
func (s *Store) ListGames(ctx context.Context, f GameFilter) ([]*domain.Game, error) {
	query := `SELECT ` + gameColumns + ` FROM games WHERE 1=1`
	var args []any

	if f.UserID != 0 {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.State != "" {
		query += " AND analysis_state = ?"
		args = append(args, string(f.State))
	}

	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	return s.queryGames(ctx, s.db, query, args...)
}

// CountGamesByState returns how many of the user's games are in each
// state. A zero userID counts every game.
func (s *Store) CountGamesByState(ctx context.Context, userID int64) (map[domain.AnalysisState]int, error) {
	query := `SELECT analysis_state, COUNT(*) FROM games`
	var args []any
	if userID != 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query+` GROUP BY analysis_state`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.AnalysisState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.AnalysisState(state)] = n
	}
	return counts, rows.Err()
}

// TransitionGame moves a game from one analysis state to another only if
// it is currently in from. Returns ErrStateConflict otherwise.
func (s *Store) TransitionGame(ctx context.Context, id int64, from, to domain.AnalysisState) error {
	if !to.Valid() {
		return fmt.Errorf("invalid analysis state %q", to)
	}
	return s.casGame(ctx, s.db, id, from, "analysis_state = ?", string(to))
}

// ClaimGame moves a standalone game from the given state to in_progress and
// clears any earlier results, so a forced re-analysis starts clean.
func (s *Store) ClaimGame(ctx context.Context, id int64, from domain.AnalysisState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := s.casGame(ctx, tx, id, from, `analysis_state = ?, job_id = NULL, analysis_error = '',
			average_centipawn_loss = NULL, accuracy = NULL, num_moves = 0, num_blunders = 0,
			num_mistakes = 0, num_inaccuracies = 0, analyzed_at = NULL`, string(domain.StateInProgress))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM moves WHERE game_id = ?`, id)
		return err
	})
}

// ReleaseGame returns an in_progress game to unanalyzed, dropping its job.
// Used when the owning job was cancelled before the game was worked on.
func (s *Store) ReleaseGame(ctx context.Context, id int64) error {
	return s.casGame(ctx, s.db, id, domain.StateInProgress,
		"analysis_state = ?, job_id = NULL", string(domain.StateUnanalyzed))
}

// InProgressGames returns every game currently claimed for analysis, oldest first
func (s *Store) InProgressGames(ctx context.Context) ([]*domain.Game, error) {
	return s.queryGames(ctx, s.db,
		`SELECT `+gameColumns+` FROM games WHERE analysis_state = ? ORDER BY id`,
		string(domain.StateInProgress))
}

// GetMoves returns a game's move records in ply order
func (s *Store) GetMoves(ctx context.Context, gameID int64) ([]domain.MoveAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, move_number, half_move, is_white, move_san, move_uci, eval_before, eval_after,
			best_move_uci, best_move_san, classification, centipawn_loss
		FROM moves WHERE game_id = ? ORDER BY half_move
	`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var moves []domain.MoveAnalysis
	for rows.Next() {
		var m domain.MoveAnalysis
		var class string
		if err := rows.Scan(&m.GameID, &m.MoveNumber, &m.HalfMove, &m.IsWhite, &m.MoveSAN, &m.MoveUCI,
			&m.EvalBefore, &m.EvalAfter, &m.BestMoveUCI, &m.BestMoveSAN, &class, &m.CentipawnLoss); err != nil {
			return nil, err
		}
		m.Classification = domain.Classification(class)
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// UsersWithBacklog returns users owning unanalyzed games and no active job.
// Failed games alone do not qualify; they are only retried on request.
func (s *Store) UsersWithBacklog(ctx context.Context, limit int) ([]int64, error) {
	query := `
		SELECT DISTINCT g.user_id FROM games g
		WHERE g.analysis_state = ?
		AND NOT EXISTS (
			SELECT 1 FROM analysis_jobs j
			WHERE j.user_id = g.user_id AND j.status IN (?, ?)
		)
		ORDER BY g.user_id`
	args := []any{string(domain.StateUnanalyzed), string(domain.JobPending), string(domain.JobProcessing)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// casGame applies set to the game only while it is in state from
func (s *Store) casGame(ctx context.Context, ex execer, id int64, from domain.AnalysisState, set string, args ...any) error {
	args = append(args, s.now(), id, string(from))
	res, err := ex.ExecContext(ctx,
		`UPDATE games SET `+set+`, updated_at = ? WHERE id = ? AND analysis_state = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = ex.QueryRowContext(ctx, `SELECT analysis_state FROM games WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: game %d is %s, expected %s", ErrStateConflict, id, current, from)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) queryGames(ctx context.Context, ex execer, query string, args ...any) ([]*domain.Game, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []*domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

func scanGame(row rowScanner) (*domain.Game, error) {
	var g domain.Game
	var color, moves, state string
	var playedAt, analyzedAt sql.NullTime
	var sourceKey sql.NullString
	var jobID sql.NullInt64
	var avg, acc sql.NullFloat64

	err := row.Scan(&g.ID, &g.UserID, &g.White, &g.Black, &color, &moves, &g.PGN, &g.Result, &playedAt, &sourceKey,
		&state, &jobID, &avg, &acc, &g.Stats.NumMoves, &g.Stats.NumBlunders, &g.Stats.NumMistakes,
		&g.Stats.NumInaccuracies, &g.AnalysisError, &analyzedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}

	g.UserColor = domain.Color(color)
	g.Moves = domain.SplitMoves(moves)
	g.State = domain.AnalysisState(state)
	g.SourceKey = sourceKey.String
	if playedAt.Valid {
		g.PlayedAt = &playedAt.Time
	}
	if analyzedAt.Valid {
		g.AnalyzedAt = &analyzedAt.Time
	}
	if jobID.Valid {
		g.JobID = &jobID.Int64
	}
	if avg.Valid {
		g.Stats.AverageCentipawnLoss = &avg.Float64
	}
	if acc.Valid {
		g.Stats.Accuracy = &acc.Float64
	}
	return &g, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
