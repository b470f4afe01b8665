package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
)

var errStoreDown = errors.New("database is locked")

// flakyStore fails the next getJobFailures GetJob calls
type flakyStore struct {
	*jobstore.Store
	getJobFailures atomic.Int32
}

func (f *flakyStore) GetJob(ctx context.Context, id int64) (*domain.AnalysisJob, error) {
	if f.getJobFailures.Add(-1) >= 0 {
		return nil, errStoreDown
	}
	return f.Store.GetJob(ctx, id)
}

// cancelOnAdmit cancels every job right after admitting it
type cancelOnAdmit struct {
	*jobstore.Store
}

func (c cancelOnAdmit) AdmitBatch(ctx context.Context, req jobstore.BatchRequest) (*jobstore.Admission, error) {
	adm, err := c.Store.AdmitBatch(ctx, req)
	if err != nil || adm.Job.Status.IsTerminal() {
		return adm, err
	}
	if _, err := c.Store.CancelJob(ctx, adm.Job.ID); err != nil {
		return nil, err
	}
	return adm, nil
}

// countingPool records how leased engines were given back
type countingPool struct {
	*engine.Pool
	replaced  atomic.Int32
	discarded atomic.Int32
}

func (c *countingPool) Replace(e engine.Engine) error {
	c.replaced.Add(1)
	return c.Pool.Replace(e)
}

func (c *countingPool) Discard(e engine.Engine) {
	c.discarded.Add(1)
	c.Pool.Discard(e)
}

func testConfig() Config {
	return Config{Workers: 1, MaxAttempts: 2, RetryDelay: time.Millisecond}
}

func TestWorker_RetriesTransientJobRead(t *testing.T) {
	h := newHarness(t, Config{}, 1, nil)
	flaky := &flakyStore{Store: h.store}
	h.sched = New(testConfig(), flaky, h.pool, WithLogger(zerolog.Nop()))
	ctx := context.Background()
	g1 := h.addGame(1)
	g2 := h.addGame(1)

	res, err := h.sched.SubmitBatch(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	flaky.getJobFailures.Store(1)
	h.start()

	waitFor(t, "batch completion", func() bool {
		job, err := h.store.GetJob(ctx, res.JobID)
		return err == nil && job.Status == domain.JobCompleted
	})
	job, _ := h.store.GetJob(ctx, res.JobID)
	if job.AnalyzedGames != 2 || job.FailedGames != 0 {
		t.Errorf("job = %+v, want 2 analyzed", job)
	}
	for _, id := range []int64{g1.ID, g2.ID} {
		if st := h.game(id).State; st != domain.StateAnalyzed {
			t.Errorf("game %d state = %s, want analyzed", id, st)
		}
	}
}

func TestWorker_PersistentJobReadFailureReleasesGame(t *testing.T) {
	h := newHarness(t, Config{}, 1, nil)
	flaky := &flakyStore{Store: h.store}
	h.sched = New(testConfig(), flaky, h.pool, WithLogger(zerolog.Nop()))
	ctx := context.Background()
	g := h.addGame(1)

	res, err := h.sched.SubmitBatch(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	flaky.getJobFailures.Store(1 << 20)
	h.start()

	waitFor(t, "job failure", func() bool {
		job, err := h.store.GetJob(ctx, res.JobID)
		return err == nil && job.Status == domain.JobFailed
	})
	waitFor(t, "game release", func() bool {
		return h.game(g.ID).State == domain.StateUnanalyzed
	})
	if got := h.game(g.ID).JobID; got != nil {
		t.Errorf("released game still owned by job %d", *got)
	}

	flaky.getJobFailures.Store(0)
	if r, err := h.sched.SubmitSingle(ctx, g.ID, false); err != nil || r != Accepted {
		t.Errorf("SubmitSingle after release = %v, %v, want accepted", r, err)
	}
}

func TestSubmitBatch_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, Config{}, 1, nil)
	h.sched = New(testConfig(), cancelOnAdmit{h.store}, h.pool, WithLogger(zerolog.Nop()))
	ctx := context.Background()
	g1 := h.addGame(1)
	g2 := h.addGame(1)

	res, err := h.sched.SubmitBatch(ctx, 1)
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if res.Status != domain.JobCancelled || res.TotalGames != 2 {
		t.Errorf("result = %+v, want cancelled with 2 games", res)
	}

	h.start()
	for _, id := range []int64{g1.ID, g2.ID} {
		waitFor(t, "game release", func() bool {
			return h.game(id).State == domain.StateUnanalyzed
		})
	}
	if n := h.evaluations(); n != 0 {
		t.Errorf("cancelled batch ran %d evaluations", n)
	}

	if r, err := h.sched.SubmitSingle(ctx, g1.ID, false); err != nil || r != Accepted {
		t.Errorf("SubmitSingle after cancelled batch = %v, %v, want accepted", r, err)
	}
}

func TestAnalyzePosition_CancelledDoesNotReplaceEngine(t *testing.T) {
	evaluating := make(chan struct{})
	eval := func(ctx context.Context, seq, call int, fen string) (engine.Evaluation, error) {
		close(evaluating)
		<-ctx.Done()
		return engine.Evaluation{}, fault("search aborted")
	}
	h := newHarness(t, Config{}, 1, eval)
	pool := &countingPool{Pool: h.pool}
	h.sched = New(testConfig(), h.store, pool, WithLogger(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-evaluating
		cancel()
	}()
	if _, err := h.sched.AnalyzePosition(ctx, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"); err == nil {
		t.Fatal("AnalyzePosition() succeeded after cancellation")
	}

	if n := pool.replaced.Load(); n != 0 {
		t.Errorf("engine replaced %d times after cancellation, want 0", n)
	}
	if n := pool.discarded.Load(); n != 1 {
		t.Errorf("engine discarded %d times, want 1", n)
	}
	if s := h.pool.Stats(); s.Replacements != 0 {
		t.Errorf("pool counted %d replacements", s.Replacements)
	}
	waitFor(t, "slot refill", func() bool { return h.pool.Stats().Idle == 1 })
}
