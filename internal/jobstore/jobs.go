package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
)

const jobColumns = `id, user_id, status, progress, total_games, analyzed_games, failed_games,
	error_message, created_at, started_at, completed_at`

// BatchRequest describes a batch admission
type BatchRequest struct {
	UserID int64
	// MaxProcessing is the global ceiling on active jobs; 0 disables it
	MaxProcessing int
	// IncludeFailed also claims games whose earlier analysis failed
	IncludeFailed bool
}

// Admission is an accepted batch: the created job and the games it claimed
type Admission struct {
	Job     *domain.AnalysisJob
	GameIDs []int64
}

// AdmitBatch checks admission and creates the job in one transaction.
// The user must have no pending or processing job (*JobConflictError) and
// the number of active jobs must be below MaxProcessing (ErrCapacityExceeded).
// Claimed games move to in_progress with the new job's ID. A user with
// nothing to analyze gets a job that is already completed.
func (s *Store) AdmitBatch(ctx context.Context, req BatchRequest) (*Admission, error) {
	var adm *Admission
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM analysis_jobs WHERE user_id = ? AND status IN (?, ?) ORDER BY id LIMIT 1`,
			req.UserID, string(domain.JobPending), string(domain.JobProcessing)).Scan(&existing)
		if err == nil {
			return &JobConflictError{ExistingJobID: existing}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		// Pending jobs are started right after admission, so they count too
		if req.MaxProcessing > 0 {
			var active int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM analysis_jobs WHERE status IN (?, ?)`,
				string(domain.JobPending), string(domain.JobProcessing)).Scan(&active); err != nil {
				return err
			}
			if active >= req.MaxProcessing {
				return ErrCapacityExceeded
			}
		}

		states := []any{string(domain.StateUnanalyzed)}
		if req.IncludeFailed {
			states = append(states, string(domain.StateFailed))
		}
		in := placeholders(len(states))

		ids, err := queryIDs(ctx, tx,
			`SELECT id FROM games WHERE user_id = ? AND analysis_state IN (`+in+`) ORDER BY id`,
			append([]any{req.UserID}, states...)...)
		if err != nil {
			return err
		}

		now := s.now()
		job := &domain.AnalysisJob{
			UserID:     req.UserID,
			Status:     domain.JobPending,
			TotalGames: len(ids),
			CreatedAt:  now,
		}
		if len(ids) == 0 {
			job.Status = domain.JobCompleted
			job.Progress = 100
			job.StartedAt = &now
			job.CompletedAt = &now
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_jobs (user_id, status, progress, total_games, created_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, job.UserID, string(job.Status), job.Progress, job.TotalGames, now, nullTime(job.StartedAt), nullTime(job.CompletedAt))
		if err != nil {
			return err
		}
		if job.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		if len(ids) > 0 {
			args := append([]any{string(domain.StateInProgress), job.ID, now, req.UserID}, states...)
			res, err := tx.ExecContext(ctx, `
				UPDATE games SET analysis_state = ?, job_id = ?, analysis_error = '', updated_at = ?
				WHERE user_id = ? AND analysis_state IN (`+in+`)
			`, args...)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); int(n) != len(ids) {
				return fmt.Errorf("%w: claimed %d of %d games", ErrStateConflict, n, len(ids))
			}
		}

		adm = &Admission{Job: job, GameIDs: ids}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adm, nil
}

// StartJob moves a pending job to processing. Starting a job that is
// already processing is a no-op.
func (s *Store) StartJob(ctx context.Context, id int64) (*domain.AnalysisJob, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(domain.JobProcessing), now, id, string(domain.JobPending))
	if err != nil {
		return nil, err
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, fmt.Errorf("%w: job %d is %s", ErrJobTerminal, id, job.Status)
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id int64) (*domain.AnalysisJob, error) {
	return getJob(ctx, s.db, id)
}

// ActiveJobForUser returns the user's pending or processing job
func (s *Store) ActiveJobForUser(ctx context.Context, userID int64) (*domain.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE user_id = ? AND status IN (?, ?) ORDER BY id LIMIT 1`,
		userID, string(domain.JobPending), string(domain.JobProcessing))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListJobs returns a user's jobs, newest first. A zero userID lists all jobs.
func (s *Store) ListJobs(ctx context.Context, userID int64, limit int) ([]*domain.AnalysisJob, error) {
	query := `SELECT ` + jobColumns + ` FROM analysis_jobs`
	var args []any
	if userID != 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// PendingJobs returns jobs admitted but never started
func (s *Store) PendingJobs(ctx context.Context) ([]*domain.AnalysisJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE status = ? ORDER BY id`,
		string(domain.JobPending))
}

// CancelJob marks an active job cancelled
func (s *Store) CancelJob(ctx context.Context, id int64) (*domain.AnalysisJob, error) {
	return s.finishJob(ctx, id, domain.JobCancelled, "")
}

// FailJob marks an active job failed with the given message
func (s *Store) FailJob(ctx context.Context, id int64, message string) (*domain.AnalysisJob, error) {
	return s.finishJob(ctx, id, domain.JobFailed, message)
}

func (s *Store) finishJob(ctx context.Context, id int64, status domain.JobStatus, message string) (*domain.AnalysisJob, error) {
	var job *domain.AnalysisJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: job %d is %s", ErrJobTerminal, id, current.Status)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE analysis_jobs SET status = ?, error_message = ?, completed_at = ?
			WHERE id = ? AND status IN (?, ?)
		`, string(status), message, s.now(), id, string(domain.JobPending), string(domain.JobProcessing)); err != nil {
			return err
		}

		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// JobUpdate reports what finishing a game did to its job
type JobUpdate struct {
	// Job is the owning job after the update, nil for standalone games
	Job *domain.AnalysisJob
	// Counted is set when the job's counters advanced
	Counted bool
	// Finished is set when this game completed the job
	Finished bool
}

// CompleteGame commits an analysis: the game moves in_progress -> analyzed,
// its stats and move records are written, and its job advances, all in one
// transaction.
func (s *Store) CompleteGame(ctx context.Context, gameID int64, a *domain.GameAnalysis) (JobUpdate, error) {
	var upd JobUpdate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		jobID, err := gameJob(ctx, tx, gameID)
		if err != nil {
			return err
		}

		now := s.now()
		st := a.Stats
		err = s.casGame(ctx, tx, gameID, domain.StateInProgress, `analysis_state = ?, job_id = NULL,
			analysis_error = '', average_centipawn_loss = ?, accuracy = ?, num_moves = ?, num_blunders = ?,
			num_mistakes = ?, num_inaccuracies = ?, analyzed_at = ?`,
			string(domain.StateAnalyzed), nullFloat(st.AverageCentipawnLoss), nullFloat(st.Accuracy),
			st.NumMoves, st.NumBlunders, st.NumMistakes, st.NumInaccuracies, now)
		if err != nil {
			return err
		}

		if err := insertMoves(ctx, tx, gameID, a.Moves); err != nil {
			return err
		}

		upd, err = s.advanceJob(ctx, tx, jobID, false)
		return err
	})
	return upd, err
}

// FailGame moves an in_progress game to failed with zero stats and the
// reason recorded. The game still counts toward its job's progress.
func (s *Store) FailGame(ctx context.Context, gameID int64, reason string) (JobUpdate, error) {
	var upd JobUpdate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		jobID, err := gameJob(ctx, tx, gameID)
		if err != nil {
			return err
		}

		err = s.casGame(ctx, tx, gameID, domain.StateInProgress, `analysis_state = ?, job_id = NULL,
			analysis_error = ?, average_centipawn_loss = NULL, accuracy = NULL, num_moves = 0,
			num_blunders = 0, num_mistakes = 0, num_inaccuracies = 0, analyzed_at = ?`,
			string(domain.StateFailed), reason, s.now())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM moves WHERE game_id = ?`, gameID); err != nil {
			return err
		}

		upd, err = s.advanceJob(ctx, tx, jobID, true)
		return err
	})
	return upd, err
}

// advanceJob counts one finished game against a processing job and
// completes the job when every game is accounted for. Cancelled and
// terminal jobs are left untouched.
func (s *Store) advanceJob(ctx context.Context, tx *sql.Tx, jobID sql.NullInt64, failed bool) (JobUpdate, error) {
	if !jobID.Valid {
		return JobUpdate{}, nil
	}

	failedInc := 0
	if failed {
		failedInc = 1
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE analysis_jobs SET
			analyzed_games = analyzed_games + 1,
			failed_games = failed_games + ?,
			progress = ((analyzed_games + 1) * 100) / total_games
		WHERE id = ? AND status = ? AND analyzed_games < total_games
	`, failedInc, jobID.Int64, string(domain.JobProcessing))
	if err != nil {
		return JobUpdate{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return JobUpdate{}, err
	}
	upd := JobUpdate{Counted: n == 1}

	if upd.Counted {
		res, err = tx.ExecContext(ctx, `
			UPDATE analysis_jobs SET status = ?, progress = 100, completed_at = ?
			WHERE id = ? AND status = ? AND analyzed_games >= total_games
		`, string(domain.JobCompleted), s.now(), jobID.Int64, string(domain.JobProcessing))
		if err != nil {
			return JobUpdate{}, err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return JobUpdate{}, err
		}
		upd.Finished = n == 1
	}

	upd.Job, err = getJob(ctx, tx, jobID.Int64)
	return upd, err
}

func insertMoves(ctx context.Context, tx *sql.Tx, gameID int64, moves []domain.MoveAnalysis) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM moves WHERE game_id = ?`, gameID); err != nil {
		return err
	}
	if len(moves) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO moves (game_id, move_number, half_move, is_white, move_san, move_uci, eval_before, eval_after,
			best_move_uci, best_move_san, classification, centipawn_loss)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range moves {
		if _, err := stmt.ExecContext(ctx, gameID, m.MoveNumber, m.HalfMove, m.IsWhite, m.MoveSAN, m.MoveUCI,
			m.EvalBefore, m.EvalAfter, m.BestMoveUCI, m.BestMoveSAN, string(m.Classification), m.CentipawnLoss); err != nil {
			return fmt.Errorf("inserting ply %d: %w", m.HalfMove, err)
		}
	}
	return nil
}

func gameJob(ctx context.Context, ex execer, gameID int64) (sql.NullInt64, error) {
	var jobID sql.NullInt64
	err := ex.QueryRowContext(ctx, `SELECT job_id FROM games WHERE id = ?`, gameID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return jobID, ErrNotFound
	}
	return jobID, err
}

func getJob(ctx context.Context, ex execer, id int64) (*domain.AnalysisJob, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*domain.AnalysisJob, error) {
	var job domain.AnalysisJob
	var status string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.UserID, &status, &job.Progress, &job.TotalGames, &job.AnalyzedGames,
		&job.FailedGames, &job.ErrorMessage, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func queryIDs(ctx context.Context, ex execer, query string, args ...any) ([]int64, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
