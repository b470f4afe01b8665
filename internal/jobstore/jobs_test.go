package jobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
)

func admit(t *testing.T, store *Store, userID int64) *Admission {
	t.Helper()
	adm, err := store.AdmitBatch(context.Background(), BatchRequest{UserID: userID, MaxProcessing: 10, IncludeFailed: true})
	if err != nil {
		t.Fatalf("AdmitBatch(%d) error = %v", userID, err)
	}
	return adm
}

func TestStore_AdmitBatch(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	a := addGame(t, store, 1, domain.StateUnanalyzed)
	b := addGame(t, store, 1, domain.StateFailed)
	addGame(t, store, 1, domain.StateAnalyzed)
	addGame(t, store, 1, domain.StateInProgress)
	addGame(t, store, 2, domain.StateUnanalyzed)

	adm := admit(t, store, 1)
	if adm.Job.Status != domain.JobPending || adm.Job.TotalGames != 2 {
		t.Errorf("job = %+v, want pending with 2 games", adm.Job)
	}
	if len(adm.GameIDs) != 2 || adm.GameIDs[0] != a.ID || adm.GameIDs[1] != b.ID {
		t.Errorf("GameIDs = %v, want [%d %d]", adm.GameIDs, a.ID, b.ID)
	}

	for _, id := range adm.GameIDs {
		g, _ := store.GetGame(ctx, id)
		if g.State != domain.StateInProgress || g.JobID == nil || *g.JobID != adm.Job.ID {
			t.Errorf("game %d = %s job %v, want in_progress on job %d", id, g.State, g.JobID, adm.Job.ID)
		}
	}

	other, _ := store.ListGames(ctx, GameFilter{UserID: 2})
	if other[0].State != domain.StateUnanalyzed {
		t.Error("another user's game was claimed")
	}
}

func TestStore_AdmitBatch_ExcludesFailedUnlessAsked(t *testing.T) {
	store := newStore(t)
	addGame(t, store, 1, domain.StateUnanalyzed)
	addGame(t, store, 1, domain.StateFailed)

	adm, err := store.AdmitBatch(context.Background(), BatchRequest{UserID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if adm.Job.TotalGames != 1 {
		t.Errorf("TotalGames = %d, want 1", adm.Job.TotalGames)
	}
}

func TestStore_AdmitBatch_Conflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addGame(t, store, 1, domain.StateUnanalyzed)

	first := admit(t, store, 1)
	if _, err := store.StartJob(ctx, first.Job.ID); err != nil {
		t.Fatal(err)
	}

	_, err := store.AdmitBatch(ctx, BatchRequest{UserID: 1, MaxProcessing: 10})
	var conflict *JobConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *JobConflictError", err)
	}
	if conflict.ExistingJobID != first.Job.ID {
		t.Errorf("ExistingJobID = %d, want %d", conflict.ExistingJobID, first.Job.ID)
	}

	jobs, _ := store.ListJobs(ctx, 1, 0)
	if len(jobs) != 1 {
		t.Errorf("got %d job rows, want 1", len(jobs))
	}
}

func TestStore_AdmitBatch_Capacity(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for user := int64(1); user <= 3; user++ {
		addGame(t, store, user, domain.StateUnanalyzed)
	}

	for user := int64(1); user <= 2; user++ {
		adm, err := store.AdmitBatch(ctx, BatchRequest{UserID: user, MaxProcessing: 2})
		if err != nil {
			t.Fatal(err)
		}
		store.StartJob(ctx, adm.Job.ID)
	}

	_, err := store.AdmitBatch(ctx, BatchRequest{UserID: 3, MaxProcessing: 2})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("err = %v, want ErrCapacityExceeded", err)
	}
	var conflict *JobConflictError
	if errors.As(err, &conflict) {
		t.Error("capacity rejection must be distinct from a per-user conflict")
	}

	g, _ := store.ListGames(ctx, GameFilter{UserID: 3})
	if g[0].State != domain.StateUnanalyzed {
		t.Error("rejected admission claimed a game")
	}
}

func TestStore_AdmitBatch_NothingToDo(t *testing.T) {
	store := newStore(t)
	addGame(t, store, 1, domain.StateAnalyzed)

	adm := admit(t, store, 1)
	if adm.Job.Status != domain.JobCompleted || adm.Job.Progress != 100 || len(adm.GameIDs) != 0 {
		t.Errorf("job = %+v, want completed with progress 100", adm.Job)
	}

	// A completed job does not block the next request
	admit(t, store, 1)
}

func TestStore_JobProgress(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		addGame(t, store, 1, domain.StateUnanalyzed)
	}
	adm := admit(t, store, 1)
	if _, err := store.StartJob(ctx, adm.Job.ID); err != nil {
		t.Fatal(err)
	}

	wantProgress := []int{33, 66, 100}
	last := 0
	for i, id := range adm.GameIDs {
		var upd JobUpdate
		var err error
		if i == 1 {
			upd, err = store.FailGame(ctx, id, "malformed game")
		} else {
			upd, err = store.CompleteGame(ctx, id, sampleAnalysis())
		}
		if err != nil {
			t.Fatal(err)
		}
		if !upd.Counted {
			t.Errorf("game %d not counted", id)
		}
		if upd.Job.AnalyzedGames < last || upd.Job.AnalyzedGames > upd.Job.TotalGames {
			t.Errorf("analyzed_games went %d -> %d of %d", last, upd.Job.AnalyzedGames, upd.Job.TotalGames)
		}
		last = upd.Job.AnalyzedGames
		if upd.Job.Progress != wantProgress[i] {
			t.Errorf("progress after %d games = %d, want %d", i+1, upd.Job.Progress, wantProgress[i])
		}
		if upd.Finished != (i == 2) {
			t.Errorf("Finished after %d games = %v", i+1, upd.Finished)
		}
	}

	job, _ := store.GetJob(ctx, adm.Job.ID)
	if job.Status != domain.JobCompleted || job.CompletedAt == nil || job.FailedGames != 1 {
		t.Errorf("job = %+v, want completed with 1 failed game", job)
	}

	failed, _ := store.GetGame(ctx, adm.GameIDs[1])
	if failed.State != domain.StateFailed || failed.AnalysisError != "malformed game" || failed.Stats.NumMoves != 0 {
		t.Errorf("failed game = %+v", failed)
	}
}

func TestStore_CancelJob(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addGame(t, store, 1, domain.StateUnanalyzed)
	addGame(t, store, 1, domain.StateUnanalyzed)
	adm := admit(t, store, 1)
	store.StartJob(ctx, adm.Job.ID)

	job, err := store.CancelJob(ctx, adm.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCancelled || job.CompletedAt == nil {
		t.Errorf("job = %+v, want cancelled", job)
	}

	// An in-flight game may still finish, but the counters stay put
	upd, err := store.CompleteGame(ctx, adm.GameIDs[0], sampleAnalysis())
	if err != nil {
		t.Fatal(err)
	}
	if upd.Counted || upd.Job.AnalyzedGames != 0 || upd.Job.Status != domain.JobCancelled {
		t.Errorf("cancelled job advanced: %+v", upd)
	}

	if err := store.ReleaseGame(ctx, adm.GameIDs[1]); err != nil {
		t.Fatal(err)
	}
	g, _ := store.GetGame(ctx, adm.GameIDs[1])
	if g.State != domain.StateUnanalyzed || g.JobID != nil {
		t.Errorf("released game = %s job %v", g.State, g.JobID)
	}

	if _, err := store.CancelJob(ctx, adm.Job.ID); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("second cancel error = %v, want ErrJobTerminal", err)
	}
	if _, err := store.CancelJob(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing job error = %v, want ErrNotFound", err)
	}
	if _, err := store.StartJob(ctx, adm.Job.ID); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("StartJob on cancelled job error = %v, want ErrJobTerminal", err)
	}
}

func TestStore_FailJob(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addGame(t, store, 1, domain.StateUnanalyzed)
	adm := admit(t, store, 1)

	job, err := store.FailJob(ctx, adm.Job.ID, "database is locked")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobFailed || job.ErrorMessage != "database is locked" {
		t.Errorf("job = %+v", job)
	}
	if _, err := store.FailJob(ctx, adm.Job.ID, "again"); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("err = %v, want ErrJobTerminal", err)
	}
}

func TestStore_RecoveryQueries(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	addGame(t, store, 1, domain.StateUnanalyzed)
	addGame(t, store, 2, domain.StateUnanalyzed)
	addGame(t, store, 3, domain.StateFailed)
	adm := admit(t, store, 1)

	pending, err := store.PendingJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != adm.Job.ID {
		t.Errorf("pending = %v, want job %d", pending, adm.Job.ID)
	}

	inProgress, _ := store.InProgressGames(ctx)
	if len(inProgress) != 1 || inProgress[0].UserID != 1 {
		t.Errorf("in progress = %v", inProgress)
	}

	users, err := store.UsersWithBacklog(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0] != 2 {
		t.Errorf("UsersWithBacklog = %v, want [2]", users)
	}

	all, _ := store.ListJobs(ctx, 0, 0)
	if len(all) != 1 {
		t.Errorf("ListJobs(all) = %d jobs, want 1", len(all))
	}

	active, err := store.ActiveJobForUser(ctx, 1)
	if err != nil || active.ID != adm.Job.ID {
		t.Errorf("ActiveJobForUser = %v, %v", active, err)
	}
	if _, err := store.ActiveJobForUser(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
