package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/analyzer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/observer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/scheduler"
)

// JobResponse is the API response for an analysis job
type JobResponse struct {
	ID            int64   `json:"id"`
	UserID        int64   `json:"user_id"`
	Status        string  `json:"status"`
	Progress      int     `json:"progress"`
	TotalGames    int     `json:"total_games"`
	AnalyzedGames int     `json:"analyzed_games"`
	FailedGames   int     `json:"failed_games"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// GameResponse is the API response for a game
type GameResponse struct {
	ID              int64          `json:"id"`
	UserID          int64          `json:"user_id"`
	White           string         `json:"white"`
	Black           string         `json:"black"`
	UserColor       string         `json:"user_color"`
	Result          string         `json:"result"`
	PlayedAt        *string        `json:"played_at,omitempty"`
	AnalysisState   string         `json:"analysis_state"`
	JobID           *int64         `json:"job_id,omitempty"`
	NumPlies        int            `json:"num_plies"`
	AvgCentipawn    *float64       `json:"average_centipawn_loss"`
	Accuracy        *float64       `json:"accuracy"`
	NumMoves        int            `json:"num_moves"`
	NumBlunders     int            `json:"num_blunders"`
	NumMistakes     int            `json:"num_mistakes"`
	NumInaccuracies int            `json:"num_inaccuracies"`
	AnalysisError   string         `json:"analysis_error,omitempty"`
	AnalyzedAt      *string        `json:"analyzed_at,omitempty"`
	Moves           []MoveResponse `json:"moves,omitempty"`
}

// MoveResponse is one analyzed ply
type MoveResponse struct {
	MoveNumber     int    `json:"move_number"`
	HalfMove       int    `json:"half_move"`
	IsWhite        bool   `json:"is_white"`
	MoveSAN        string `json:"move_san"`
	MoveUCI        string `json:"move_uci"`
	EvalBefore     int    `json:"eval_before"`
	EvalAfter      int    `json:"eval_after"`
	BestMoveUCI    string `json:"best_move_uci"`
	BestMoveSAN    string `json:"best_move_san"`
	Classification string `json:"classification,omitempty"`
	CentipawnLoss  int    `json:"centipawn_loss"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	QueueDepth int               `json:"queue_depth"`
	Games      map[string]int    `json:"games"`
	Engines    *engine.Stats     `json:"engines,omitempty"`
	Throughput *observer.Metrics `json:"throughput,omitempty"`
	StuckGames []int64           `json:"stuck_games,omitempty"`
}

// SubmitResponse answers a single-game request
type SubmitResponse struct {
	GameID int64  `json:"game_id"`
	Status string `json:"status"`
}

// BatchResponse answers a batch request
type BatchResponse struct {
	JobID      int64  `json:"job_id"`
	TotalGames int    `json:"total_games"`
	Status     string `json:"status"`
}

// PositionRequest is the body of a position analysis request
type PositionRequest struct {
	FEN string `json:"fen"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func jobToResponse(j *domain.AnalysisJob) JobResponse {
	return JobResponse{
		ID:            j.ID,
		UserID:        j.UserID,
		Status:        string(j.Status),
		Progress:      j.Progress,
		TotalGames:    j.TotalGames,
		AnalyzedGames: j.AnalyzedGames,
		FailedGames:   j.FailedGames,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:     formatTime(j.StartedAt),
		CompletedAt:   formatTime(j.CompletedAt),
	}
}

func gameToResponse(g *domain.Game) GameResponse {
	return GameResponse{
		ID:              g.ID,
		UserID:          g.UserID,
		White:           g.White,
		Black:           g.Black,
		UserColor:       string(g.UserColor),
		Result:          g.Result,
		PlayedAt:        formatTime(g.PlayedAt),
		AnalysisState:   string(g.State),
		JobID:           g.JobID,
		NumPlies:        len(g.Moves),
		AvgCentipawn:    g.Stats.AverageCentipawnLoss,
		Accuracy:        g.Stats.Accuracy,
		NumMoves:        g.Stats.NumMoves,
		NumBlunders:     g.Stats.NumBlunders,
		NumMistakes:     g.Stats.NumMistakes,
		NumInaccuracies: g.Stats.NumInaccuracies,
		AnalysisError:   g.AnalysisError,
		AnalyzedAt:      formatTime(g.AnalyzedAt),
	}
}

func moveToResponse(m domain.MoveAnalysis) MoveResponse {
	return MoveResponse{
		MoveNumber:     m.MoveNumber,
		HalfMove:       m.HalfMove,
		IsWhite:        m.IsWhite,
		MoveSAN:        m.MoveSAN,
		MoveUCI:        m.MoveUCI,
		EvalBefore:     m.EvalBefore,
		EvalAfter:      m.EvalAfter,
		BestMoveUCI:    m.BestMoveUCI,
		BestMoveSAN:    m.BestMoveSAN,
		Classification: string(m.Classification),
		CentipawnLoss:  m.CentipawnLoss,
	}
}

// pathID parses the {id} wildcard, writing a 400 when it is not a positive integer
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}

// internalError logs err and writes a 500
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.store.CountGamesByState(r.Context(), 0)
		if err != nil {
			internalError(w, r, err)
			return
		}

		status := StatusResponse{
			QueueDepth: s.sched.QueueLen(),
			Games:      make(map[string]int, len(counts)),
		}
		for state, n := range counts {
			status.Games[string(state)] = n
		}
		if s.engines != nil {
			st := s.engines.Stats()
			status.Engines = &st
		}
		if s.observer != nil {
			m := s.observer.GetMetrics()
			status.Throughput = &m
			status.StuckGames = s.observer.Stuck()
		}

		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) submitSingleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

		res, err := s.sched.SubmitSingle(r.Context(), id, force)
		switch {
		case errors.Is(err, scheduler.ErrGameNotFound):
			writeError(w, http.StatusNotFound, "game not found")
			return
		case err != nil:
			internalError(w, r, err)
			return
		}

		code := http.StatusAccepted
		switch res {
		case scheduler.AlreadyAnalyzed:
			code = http.StatusOK
		case scheduler.Conflict:
			code = http.StatusConflict
		}
		writeJSON(w, code, SubmitResponse{GameID: id, Status: string(res)})
	}
}

func (s *Server) submitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(w, r)
		if !ok {
			return
		}

		res, err := s.sched.SubmitBatch(r.Context(), userID)
		var conflict *scheduler.JobConflictError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":           conflict.Error(),
				"existing_job_id": conflict.ExistingJobID,
			})
			return
		case errors.Is(err, scheduler.ErrCapacityExceeded):
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case err != nil:
			internalError(w, r, err)
			return
		}

		writeJSON(w, http.StatusAccepted, BatchResponse{
			JobID:      res.JobID,
			TotalGames: res.TotalGames,
			Status:     string(res.Status),
		})
	}
}

func (s *Server) getJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		job, err := s.sched.GetJobStatus(r.Context(), id)
		switch {
		case errors.Is(err, scheduler.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case err != nil:
			internalError(w, r, err)
		default:
			writeJSON(w, http.StatusOK, jobToResponse(job))
		}
	}
}

func (s *Server) cancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		job, err := s.sched.CancelJob(r.Context(), id)
		s.writeCancel(w, r, job, err)
	}
}

func (s *Server) cancelActiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(w, r)
		if !ok {
			return
		}

		job, err := s.sched.CancelActiveJob(r.Context(), userID)
		s.writeCancel(w, r, job, err)
	}
}

func (s *Server) writeCancel(w http.ResponseWriter, r *http.Request, job *domain.AnalysisJob, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrJobTerminal):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

func (s *Server) listJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(w, r)
		if !ok {
			return
		}

		jobs, err := s.store.ListJobs(r.Context(), userID, queryInt(r, "limit", 20))
		if err != nil {
			internalError(w, r, err)
			return
		}

		responses := make([]JobResponse, len(jobs))
		for i, j := range jobs {
			responses[i] = jobToResponse(j)
		}
		writeJSON(w, http.StatusOK, responses)
	}
}

func (s *Server) listGamesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(w, r)
		if !ok {
			return
		}

		state := domain.AnalysisState(r.URL.Query().Get("state"))
		if state != "" && !state.Valid() {
			writeError(w, http.StatusBadRequest, "invalid state")
			return
		}

		games, err := s.store.ListGames(r.Context(), jobstore.GameFilter{
			UserID: userID,
			State:  state,
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			internalError(w, r, err)
			return
		}

		responses := make([]GameResponse, len(games))
		for i, g := range games {
			responses[i] = gameToResponse(g)
		}
		writeJSON(w, http.StatusOK, responses)
	}
}

func (s *Server) getGameHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		g, err := s.store.GetGame(r.Context(), id)
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "game not found")
			return
		}
		if err != nil {
			internalError(w, r, err)
			return
		}

		moves, err := s.store.GetMoves(r.Context(), id)
		if err != nil {
			internalError(w, r, err)
			return
		}

		resp := gameToResponse(g)
		for _, m := range moves {
			resp.Moves = append(resp.Moves, moveToResponse(m))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) positionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PositionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.FEN == "" {
			writeError(w, http.StatusBadRequest, "body must be {\"fen\": \"...\"}")
			return
		}

		res, err := s.sched.AnalyzePosition(r.Context(), req.FEN)
		switch {
		case errors.Is(err, analyzer.ErrInvalidPosition):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("position analysis failed")
			writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}
