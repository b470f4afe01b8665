package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/analyzer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/notify"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/observer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/scheduler"
)

type mockScheduler struct {
	single   map[int64]scheduler.SingleResult
	batchErr error
	jobs     map[int64]*domain.AnalysisJob
	queue    int
}

func (m *mockScheduler) SubmitSingle(_ context.Context, gameID int64, force bool) (scheduler.SingleResult, error) {
	res, ok := m.single[gameID]
	if !ok {
		return "", scheduler.ErrGameNotFound
	}
	if force && res == scheduler.AlreadyAnalyzed {
		return scheduler.Accepted, nil
	}
	return res, nil
}

func (m *mockScheduler) SubmitBatch(_ context.Context, userID int64) (*scheduler.BatchResult, error) {
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	return &scheduler.BatchResult{JobID: 42, TotalGames: 3, Status: domain.JobProcessing}, nil
}

func (m *mockScheduler) CancelJob(_ context.Context, jobID int64) (*domain.AnalysisJob, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, scheduler.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, scheduler.ErrJobTerminal
	}
	job.Status = domain.JobCancelled
	return job, nil
}

func (m *mockScheduler) CancelActiveJob(_ context.Context, userID int64) (*domain.AnalysisJob, error) {
	for _, job := range m.jobs {
		if job.UserID == userID && !job.Status.IsTerminal() {
			return m.CancelJob(context.Background(), job.ID)
		}
	}
	return nil, scheduler.ErrNoActiveJob
}

func (m *mockScheduler) GetJobStatus(_ context.Context, jobID int64) (*domain.AnalysisJob, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, scheduler.ErrJobNotFound
	}
	return job, nil
}

func (m *mockScheduler) AnalyzePosition(_ context.Context, fen string) (*analyzer.PositionResult, error) {
	if fen == "bad" {
		return nil, analyzer.ErrInvalidPosition
	}
	return &analyzer.PositionResult{FEN: fen, Evaluation: 25, BestMoveUCI: "e2e4", BestMoveSAN: "e4", Depth: 12}, nil
}

func (m *mockScheduler) QueueLen() int { return m.queue }

type fixture struct {
	sched  *mockScheduler
	store  *jobstore.Store
	hub    *notify.Hub
	obs    *observer.Observer
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := jobstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	hub := notify.NewHub(8)
	t.Cleanup(func() { hub.Close() })

	now := time.Now()
	sched := &mockScheduler{
		single: map[int64]scheduler.SingleResult{
			1: scheduler.Accepted,
			2: scheduler.AlreadyAnalyzed,
			3: scheduler.Conflict,
		},
		jobs: map[int64]*domain.AnalysisJob{
			7: {ID: 7, UserID: 1, Status: domain.JobProcessing, Progress: 50, TotalGames: 4, AnalyzedGames: 2, CreatedAt: now, StartedAt: &now},
			8: {ID: 8, UserID: 2, Status: domain.JobCompleted, Progress: 100, CreatedAt: now},
		},
		queue: 5,
	}
	obs := observer.New(time.Minute)

	return &fixture{
		sched:  sched,
		store:  store,
		hub:    hub,
		obs:    obs,
		server: NewServer(":0", sched, store, hub,
			WithObserver(obs),
			WithEngineStats(fixedStats{Size: 2, Live: 2, Idle: 1, Leased: 1}),
			WithHeartbeat(time.Hour),
		),
	}
}

type fixedStats engine.Stats

func (s fixedStats) Stats() engine.Stats { return engine.Stats(s) }

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestSubmitSingleHandler(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		target string
		want   int
		status string
	}{
		{"/api/games/1/analyze", http.StatusAccepted, "accepted"},
		{"/api/games/2/analyze", http.StatusOK, "already_analyzed"},
		{"/api/games/2/analyze?force=true", http.StatusAccepted, "accepted"},
		{"/api/games/3/analyze", http.StatusConflict, "conflict"},
		{"/api/games/99/analyze", http.StatusNotFound, ""},
		{"/api/games/abc/analyze", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := f.do("POST", tt.target, "")
			if w.Code != tt.want {
				t.Fatalf("Status = %d, want %d", w.Code, tt.want)
			}
			if tt.status == "" {
				return
			}
			var resp SubmitResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Status != tt.status {
				t.Errorf("status = %q, want %q", resp.Status, tt.status)
			}
		})
	}
}

func TestSubmitBatchHandler(t *testing.T) {
	f := newFixture(t)

	w := f.do("POST", "/api/users/1/analyze", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", w.Code)
	}
	var resp BatchResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.JobID != 42 || resp.TotalGames != 3 || resp.Status != "processing" {
		t.Errorf("resp = %+v", resp)
	}

	f.sched.batchErr = &scheduler.JobConflictError{ExistingJobID: 7}
	w = f.do("POST", "/api/users/1/analyze", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Status = %d, want 409", w.Code)
	}
	var conflict struct {
		ExistingJobID int64 `json:"existing_job_id"`
	}
	json.NewDecoder(w.Body).Decode(&conflict)
	if conflict.ExistingJobID != 7 {
		t.Errorf("existing_job_id = %d, want 7", conflict.ExistingJobID)
	}

	f.sched.batchErr = scheduler.ErrCapacityExceeded
	w = f.do("POST", "/api/users/1/analyze", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("capacity rejection should carry Retry-After")
	}
}

func TestJobHandlers(t *testing.T) {
	f := newFixture(t)

	w := f.do("GET", "/api/jobs/7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var job JobResponse
	json.NewDecoder(w.Body).Decode(&job)
	if job.Progress != 50 || job.AnalyzedGames != 2 || job.StartedAt == nil || job.CompletedAt != nil {
		t.Errorf("job = %+v", job)
	}

	if w := f.do("GET", "/api/jobs/99", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", w.Code)
	}
	if w := f.do("POST", "/api/jobs/8/cancel", ""); w.Code != http.StatusBadRequest {
		t.Errorf("cancel finished job status = %d, want 400", w.Code)
	}
	if w := f.do("POST", "/api/jobs/99/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel missing job status = %d, want 404", w.Code)
	}
	if w := f.do("POST", "/api/users/2/analyze/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel without active job status = %d, want 404", w.Code)
	}

	w = f.do("POST", "/api/users/1/analyze/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel active status = %d, want 200", w.Code)
	}
	json.NewDecoder(w.Body).Decode(&job)
	if job.ID != 7 || job.Status != "cancelled" {
		t.Errorf("job = %+v, want 7 cancelled", job)
	}

	if w := f.do("GET", "/api/jobs/7", ""); w.Code != http.StatusOK {
		t.Errorf("Status = %d", w.Code)
	}
	if w := f.do("DELETE", "/api/jobs/7", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want 405", w.Code)
	}
}

func TestGameHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g := &domain.Game{UserID: 1, White: "alice", Black: "bob", UserColor: domain.White, Moves: []string{"e4", "e5"}}
	if err := f.store.CreateGame(ctx, g); err != nil {
		t.Fatal(err)
	}
	other := &domain.Game{UserID: 1, UserColor: domain.Black, Moves: []string{"d4"}}
	f.store.CreateGame(ctx, other)

	if err := f.store.ClaimGame(ctx, g.ID, domain.StateUnanalyzed); err != nil {
		t.Fatal(err)
	}
	acc := 99.0
	_, err := f.store.CompleteGame(ctx, g.ID, &domain.GameAnalysis{
		Stats: domain.GameStats{Accuracy: &acc, NumMoves: 1},
		Moves: []domain.MoveAnalysis{
			{MoveNumber: 1, HalfMove: 1, IsWhite: true, MoveSAN: "e4", MoveUCI: "e2e4", Classification: domain.ClassBest},
			{MoveNumber: 1, HalfMove: 2, MoveSAN: "e5", MoveUCI: "e7e5"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	w := f.do("GET", "/api/games/"+strconv.FormatInt(g.ID, 10), "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var resp GameResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.AnalysisState != "analyzed" || resp.Accuracy == nil || *resp.Accuracy != 99 || len(resp.Moves) != 2 {
		t.Errorf("game = %+v", resp)
	}
	if resp.Moves[0].Classification != "best" {
		t.Errorf("classification = %q, want best", resp.Moves[0].Classification)
	}

	w = f.do("GET", "/api/users/1/games?state=unanalyzed", "")
	var games []GameResponse
	json.NewDecoder(w.Body).Decode(&games)
	if len(games) != 1 || games[0].ID != other.ID {
		t.Errorf("unanalyzed games = %+v", games)
	}

	if w := f.do("GET", "/api/users/1/games?state=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad state filter status = %d, want 400", w.Code)
	}
	if w := f.do("GET", "/api/games/999", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing game status = %d, want 404", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.CreateGame(ctx, &domain.Game{UserID: 1, UserColor: domain.White})
	f.store.CreateGame(ctx, &domain.Game{UserID: 2, UserColor: domain.White})
	f.obs.RecordCompletion(5, time.Second, 10, false)

	w := f.do("GET", "/api/status", "")
	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if status.QueueDepth != 5 {
		t.Errorf("QueueDepth = %d, want 5", status.QueueDepth)
	}
	if status.Games["unanalyzed"] != 2 {
		t.Errorf("Games = %v, want 2 unanalyzed", status.Games)
	}
	if status.Engines == nil || status.Engines.Leased != 1 || status.Engines.Size != 2 {
		t.Errorf("Engines = %+v", status.Engines)
	}
	if status.Throughput == nil || status.Throughput.TotalCompleted != 1 {
		t.Errorf("Throughput = %+v", status.Throughput)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	if w := f.do("GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestPositionHandler(t *testing.T) {
	f := newFixture(t)

	w := f.do("POST", "/api/analyze/position", `{"fen":"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var res analyzer.PositionResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.BestMoveSAN != "e4" || res.Evaluation != 25 {
		t.Errorf("result = %+v", res)
	}

	if w := f.do("POST", "/api/analyze/position", `{"fen":"bad"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid FEN status = %d, want 400", w.Code)
	}
	if w := f.do("POST", "/api/analyze/position", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", w.Code)
	}
}

func TestSSEHandler(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/users/4/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if name := readEventName(t, reader); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}

	jobID := int64(9)
	f.hub.Publish(context.Background(), notify.Event{
		Type:   notify.EventGameAnalysisCompleted,
		UserID: 4,
		GameID: 11,
		JobID:  &jobID,
		State:  domain.StateAnalyzed,
	})

	if name := readEventName(t, reader); name != "game_analysis_completed" {
		t.Fatalf("event = %q, want game_analysis_completed", name)
	}
	data, _ := reader.ReadString('\n')
	var ev notify.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.GameID != 11 || ev.JobID == nil || *ev.JobID != 9 {
		t.Errorf("event = %+v", ev)
	}
}

// readEventName skips to the next "event:" line
func readEventName(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			return name
		}
	}
}

func TestWebSocketHandler(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/users/4/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello connectedEvent
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.Type != "connected" || hello.UserID != 4 {
		t.Errorf("hello = %+v", hello)
	}

	// Events for other users are not delivered
	f.hub.Publish(context.Background(), notify.Event{Type: notify.EventGameAnalysisCompleted, UserID: 5, GameID: 1})
	f.hub.Publish(context.Background(), notify.Event{Type: notify.EventGameAnalysisCompleted, UserID: 4, GameID: 2, State: domain.StateFailed})

	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.GameID != 2 || ev.State != domain.StateFailed {
		t.Errorf("event = %+v, want game 2 failed", ev)
	}
}
