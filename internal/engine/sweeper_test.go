package engine_test

import (
	"testing"
	"time"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/engine"
)

func TestSweepTerminalMarkThenDelete(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{Title: "Pipe repair", Creator: "meera", Department: "Water Supply"})
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "suresh", "Water Supply"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, r.ID, "suresh"); err != nil {
		t.Fatal(err)
	}

	env.Advance(25 * time.Hour)
	summary, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Updated || len(summary.DeletedIDs) != 0 {
		t.Fatalf("first sweep should mark, not delete: %+v", summary)
	}
	got, err := env.Engine.Get(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsExpired {
		t.Fatal("record not marked expired")
	}

	summary, err = env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.DeletedIDs) != 1 || summary.DeletedIDs[0] != r.ID {
		t.Fatalf("second sweep should delete: %+v", summary)
	}
	if _, err := env.Engine.Get(env.Ctx, r.ID); err == nil {
		t.Fatal("record still present after deletion sweep")
	}
}

func TestSweepFreshTerminalUntouched(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{Title: "Pipe repair", Creator: "meera", Department: "Water Supply"})
	if _, err := env.Engine.Complete(env.Ctx, r.ID, "suresh"); err != nil {
		t.Fatal(err)
	}
	env.Advance(23 * time.Hour)
	summary, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Updated {
		t.Fatalf("sweep inside retention window changed records: %+v", summary)
	}
}

func TestSweepPendingRequestTiers(t *testing.T) {
	env := newTestEnv(t)
	plain := mustCreate(t, env, engine.CreateOptions{Title: "Plain", Creator: "meera", Department: "Finance"})
	multi := mustCreate(t, env, engine.CreateOptions{Title: "Multi", Creator: "meera", MultiDepartment: true, UsersNeeded: 2})

	// Past the single-department tier but inside the multi tier.
	env.Advance(31 * 24 * time.Hour)
	summary, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.DeletedIDs) != 1 || summary.DeletedIDs[0] != plain.ID {
		t.Fatalf("30d tier: %+v", summary)
	}
	if _, err := env.Engine.Get(env.Ctx, multi.ID); err != nil {
		t.Fatalf("multi-department request deleted too early: %v", err)
	}

	env.Advance(15 * 24 * time.Hour)
	summary, err = env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.DeletedIDs) != 1 || summary.DeletedIDs[0] != multi.ID {
		t.Fatalf("45d tier: %+v", summary)
	}
}

func TestSweepProjectArchiveThenDelete(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreate(t, env, engine.CreateOptions{Title: "Metro extension", Creator: "meera", Type: domain.TypeProject})

	env.Advance(61 * 24 * time.Hour)
	summary, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ArchivedCount != 1 || len(summary.DeletedIDs) != 0 {
		t.Fatalf("expired project should archive first: %+v", summary)
	}
	got, err := env.Engine.Get(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Archived || got.ArchivedAt == "" {
		t.Fatalf("archive markers missing: %+v", got)
	}

	// Inside the grace period the archived project survives.
	env.Advance(6 * 24 * time.Hour)
	summary, err = env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.DeletedIDs) != 0 {
		t.Fatalf("deleted inside grace period: %+v", summary)
	}

	env.Advance(2 * 24 * time.Hour)
	summary, err = env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.DeletedIDs) != 1 || summary.DeletedIDs[0] != p.ID {
		t.Fatalf("grace elapsed but project kept: %+v", summary)
	}
}

func TestSweepUnarchiveResetsGrace(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreate(t, env, engine.CreateOptions{Title: "Metro extension", Creator: "meera", Type: domain.TypeProject})

	env.Advance(61 * 24 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Unarchive(env.Ctx, p.ID, "meera"); err != nil {
		t.Fatal(err)
	}

	// Well past the original grace deadline: the project is re-archived with
	// a fresh timestamp instead of being deleted.
	env.Advance(10 * 24 * time.Hour)
	summary, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.DeletedIDs) != 0 {
		t.Fatalf("unarchived project deleted: %+v", summary)
	}
	got, err := env.Engine.Get(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Archived {
		t.Fatalf("project not re-archived: %+v", got)
	}
}

func TestSweepSkipsMalformedTimestamps(t *testing.T) {
	env := newTestEnv(t)
	bad := domain.Request{
		ID:               "#BAD001",
		Title:            "Corrupted row",
		Status:           domain.StatusCompleted,
		Type:             domain.TypeRequest,
		Creator:          "meera",
		UsersNeeded:      1,
		CreatedAt:        env.Clock.Format(time.RFC3339),
		LastStatusUpdate: "yesterday-ish",
	}
	if err := env.Engine.Repo.InsertRequest(env.Ctx, bad); err != nil {
		t.Fatal(err)
	}
	env.Advance(48 * time.Hour)
	summary, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Updated {
		t.Fatalf("sweep acted on unparsable timestamp: %+v", summary)
	}
	if _, err := env.Engine.Get(env.Ctx, "#BAD001"); err != nil {
		t.Fatalf("row removed: %v", err)
	}
}
