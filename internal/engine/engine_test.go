package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Katsud0n0/final-jd-21/internal/config"
	"github.com/Katsud0n0/final-jd-21/internal/db"
	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/engine"
	"github.com/Katsud0n0/final-jd-21/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func (env testEnv) Advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &now}
}

func mustCreate(t *testing.T, env testEnv, opts engine.CreateOptions) domain.Request {
	t.Helper()
	r, err := env.Engine.Create(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func TestCreateDefaults(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{Title: "Fix streetlight", Creator: "rajesh", Department: "Water Supply"})
	if !strings.HasPrefix(r.ID, "#") || len(r.ID) != 7 {
		t.Fatalf("unexpected id %q", r.ID)
	}
	if r.Status != domain.StatusPending {
		t.Fatalf("status = %q, want Pending", r.Status)
	}
	if r.Type != domain.TypeRequest || r.UsersNeeded != 1 {
		t.Fatalf("defaults not applied: type=%q usersNeeded=%d", r.Type, r.UsersNeeded)
	}
	if r.DateCreated != "01/06/2025" {
		t.Fatalf("dateCreated = %q", r.DateCreated)
	}

	if _, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Creator: "rajesh"}); err == nil {
		t.Fatal("expected error for missing title")
	}
	var ve engine.ValidationError
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Title: "x", Creator: "r", Type: "epic"})
	if !errors.As(err, &ve) {
		t.Fatalf("unknown type: got %v, want validation error", err)
	}
}

func TestAcceptQuorum(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Joint audit", Creator: "meera", Type: domain.TypeRequest,
		MultiDepartment: true, UsersNeeded: 2,
	})

	r1, err := env.Engine.Accept(env.Ctx, r.ID, "anil", "Finance")
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if r1.Status != domain.StatusPending || r1.UsersAccepted != 1 {
		t.Fatalf("after first accept: status=%q usersAccepted=%d", r1.Status, r1.UsersAccepted)
	}

	_, err = env.Engine.Accept(env.Ctx, r.ID, "anil", "Finance")
	var de engine.DeniedError
	if !errors.As(err, &de) || de.Reason != "Already accepted" {
		t.Fatalf("duplicate accept: got %v", err)
	}

	r2, err := env.Engine.Accept(env.Ctx, r.ID, "kavya", "Health")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if r2.Status != domain.StatusInProcess {
		t.Fatalf("quorum reached but status = %q", r2.Status)
	}
	if r2.UsersAccepted != len(r2.AcceptedBy) {
		t.Fatalf("usersAccepted=%d, roster=%d", r2.UsersAccepted, len(r2.AcceptedBy))
	}
	if r2.LastStatusUpdate == "" || r2.LastStatusUpdateTime == "" {
		t.Fatal("status stamps not set on transition")
	}

	_, err = env.Engine.Accept(env.Ctx, r.ID, "suresh", "Water Supply")
	if !errors.As(err, &de) || de.Reason != "Cannot accept request with status: In Process" {
		t.Fatalf("accept after quorum: got %v", err)
	}
}

func TestAcceptDepartmentGate(t *testing.T) {
	env := newTestEnv(t)
	single := mustCreate(t, env, engine.CreateOptions{
		Title: "Pipe repair", Creator: "meera", Department: "Water Supply",
	})
	var de engine.DeniedError
	_, err := env.Engine.Accept(env.Ctx, single.ID, "anil", "Finance")
	if !errors.As(err, &de) || de.Reason != "Request is for a different department" {
		t.Fatalf("wrong department: got %v", err)
	}
	if _, err := env.Engine.Accept(env.Ctx, single.ID, "suresh", "Water Supply"); err != nil {
		t.Fatalf("matching department: %v", err)
	}

	multi := mustCreate(t, env, engine.CreateOptions{
		Title: "Budget review", Creator: "meera", MultiDepartment: true,
		Departments: []string{"Finance", "Health"}, UsersNeeded: 2,
	})
	_, err = env.Engine.Accept(env.Ctx, multi.ID, "suresh", "Water Supply")
	if !errors.As(err, &de) || de.Reason != "Your department is not required for this request" {
		t.Fatalf("non-required department: got %v", err)
	}
	if _, err := env.Engine.Accept(env.Ctx, multi.ID, "anil", "Finance"); err != nil {
		t.Fatalf("required department: %v", err)
	}

	// No required-departments list means any department may join.
	open := mustCreate(t, env, engine.CreateOptions{
		Title: "City survey", Creator: "meera", MultiDepartment: true, UsersNeeded: 3,
	})
	if _, err := env.Engine.Accept(env.Ctx, open.ID, "suresh", "Water Supply"); err != nil {
		t.Fatalf("open multi accept: %v", err)
	}
}

func TestCanAcceptDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Pipe repair", Creator: "meera", Department: "Water Supply",
	})
	d, err := env.Engine.CanAccept(env.Ctx, r.ID, "suresh", "Water Supply")
	if err != nil || !d.Allowed {
		t.Fatalf("eligible user: decision=%+v err=%v", d, err)
	}
	got, err := env.Engine.Get(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsersAccepted != 0 || len(got.AcceptedBy) != 0 {
		t.Fatalf("can-accept mutated the request: %+v", got)
	}

	d, err = env.Engine.CanAccept(env.Ctx, "#FFFFFF", "suresh", "Water Supply")
	if err != nil {
		t.Fatalf("missing request should not error: %v", err)
	}
	if d.Allowed || d.Reason != "Request not found" {
		t.Fatalf("missing request decision = %+v", d)
	}
}

func TestAcceptReopensRejected(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Road survey", Creator: "meera", MultiDepartment: true, UsersNeeded: 2,
	})
	if _, err := env.Engine.Reject(env.Ctx, r.ID, "anil", "out of scope"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Accept(env.Ctx, r.ID, "kavya", "Health")
	if err != nil {
		t.Fatalf("accept rejected request: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("re-opened status = %q, want Pending", got.Status)
	}
	// Quorum still applies after re-opening.
	got, err = env.Engine.Accept(env.Ctx, r.ID, "suresh", "Water Supply")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProcess {
		t.Fatalf("status = %q, want In Process", got.Status)
	}
}

func TestCompleteSingle(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Pipe repair", Creator: "meera", Department: "Water Supply",
	})
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "suresh", "Water Supply"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Complete(env.Ctx, r.ID, "suresh")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %q, want Completed", got.Status)
	}
	if got.LastStatusUpdate == "" {
		t.Fatal("lastStatusUpdate not stamped")
	}
}

func TestCompleteMulti(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Joint audit", Creator: "meera", MultiDepartment: true, UsersNeeded: 2,
	})
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "anil", "Finance"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "kavya", "Health"); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.Complete(env.Ctx, r.ID, "anil")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProcess {
		t.Fatalf("one of two completed: status = %q, want In Process", got.Status)
	}
	// Completing twice is idempotent on the participant set.
	got, err = env.Engine.Complete(env.Ctx, r.ID, "anil")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ParticipantsCompleted) != 1 {
		t.Fatalf("participantsCompleted = %v", got.ParticipantsCompleted)
	}

	got, err = env.Engine.Complete(env.Ctx, r.ID, "kavya")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("all completed: status = %q, want Completed", got.Status)
	}
}

func TestLoneAcceptorNeverAutoCompletes(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Solo project", Creator: "meera", Type: domain.TypeProject, UsersNeeded: 1,
	})
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "anil", "Finance"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Complete(env.Ctx, r.ID, "anil")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status == domain.StatusCompleted {
		t.Fatal("single acceptor completed a multi-participant request")
	}
	if len(got.ParticipantsCompleted) != 1 {
		t.Fatalf("participantsCompleted = %v", got.ParticipantsCompleted)
	}
}

func TestAbandonMulti(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Joint audit", Creator: "meera", MultiDepartment: true, UsersNeeded: 2,
	})
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "anil", "Finance"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "kavya", "Health"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, r.ID, "anil"); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.Abandon(env.Ctx, r.ID, "anil")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %q, want Pending", got.Status)
	}
	if got.UsersAccepted != 1 || len(got.AcceptedBy) != 1 || got.AcceptedBy[0] != "kavya" {
		t.Fatalf("roster after abandon: %v (%d)", got.AcceptedBy, got.UsersAccepted)
	}
	if len(got.ParticipantsCompleted) != 0 {
		t.Fatalf("participantsCompleted not cleared for leaver: %v", got.ParticipantsCompleted)
	}
	if len(got.Rejections) != 1 || got.Rejections[0].Username != "anil" {
		t.Fatalf("rejection log: %+v", got.Rejections)
	}
}

func TestAbandonSingle(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Pipe repair", Creator: "meera", Department: "Water Supply",
	})
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "suresh", "Water Supply"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Abandon(env.Ctx, r.ID, "suresh")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRejected {
		t.Fatalf("status = %q, want Rejected", got.Status)
	}
	if len(got.AcceptedBy) != 0 || got.UsersAccepted != 0 {
		t.Fatalf("acceptance not cleared: %v (%d)", got.AcceptedBy, got.UsersAccepted)
	}
	if got.StatusChangedBy != "suresh" {
		t.Fatalf("statusChangedBy = %q", got.StatusChangedBy)
	}
}

func TestRejectFromAnyStatus(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{
		Title: "Pipe repair", Creator: "meera", Department: "Water Supply",
	})
	if _, err := env.Engine.Accept(env.Ctx, r.ID, "suresh", "Water Supply"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, r.ID, "suresh"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Reject(env.Ctx, r.ID, "meera", "work was not done")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRejected {
		t.Fatalf("status = %q, want Rejected", got.Status)
	}
	// Reject keeps the roster so a re-opened request remembers its acceptors.
	if len(got.AcceptedBy) != 1 {
		t.Fatalf("roster cleared by reject: %v", got.AcceptedBy)
	}
	if len(got.Rejections) != 1 || got.Rejections[0].Reason != "work was not done" {
		t.Fatalf("rejection log: %+v", got.Rejections)
	}
	if got.StatusChangedBy != "meera" {
		t.Fatalf("statusChangedBy = %q", got.StatusChangedBy)
	}
}

func TestUpdateGuardsLifecycleFields(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{Title: "Pipe repair", Creator: "meera", Department: "Water Supply"})

	var ve engine.ValidationError
	_, err := env.Engine.Update(env.Ctx, r.ID, "meera", map[string]any{"status": "Completed"})
	if !errors.As(err, &ve) {
		t.Fatalf("status via update: got %v, want validation error", err)
	}
	_, err = env.Engine.Update(env.Ctx, r.ID, "meera", map[string]any{"usersAccepted": 5})
	if !errors.As(err, &ve) {
		t.Fatalf("usersAccepted via update: got %v, want validation error", err)
	}

	got, err := env.Engine.Update(env.Ctx, r.ID, "meera", map[string]any{"description": "updated scope", "priority": "high"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "updated scope" || got.Priority != "high" {
		t.Fatalf("fields not updated: %+v", got)
	}
}

func TestArchiveUnarchive(t *testing.T) {
	env := newTestEnv(t)
	r := mustCreate(t, env, engine.CreateOptions{Title: "Metro extension", Creator: "meera", Type: domain.TypeProject})

	got, err := env.Engine.Archive(env.Ctx, r.ID, "meera")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Archived || got.ArchivedAt == "" {
		t.Fatalf("archive markers: %+v", got)
	}
	got, err = env.Engine.Unarchive(env.Ctx, r.ID, "meera")
	if err != nil {
		t.Fatal(err)
	}
	if got.Archived || got.ArchivedAt != "" {
		t.Fatalf("unarchive markers: %+v", got)
	}
}

func TestListForUser(t *testing.T) {
	env := newTestEnv(t)
	mine := mustCreate(t, env, engine.CreateOptions{Title: "Mine", Creator: "meera", Department: "Water Supply"})
	other := mustCreate(t, env, engine.CreateOptions{Title: "Other", Creator: "anil", Department: "Finance"})
	if _, err := env.Engine.Accept(env.Ctx, other.ID, "meera", "Finance"); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, env, engine.CreateOptions{Title: "Unrelated", Creator: "kavya", Department: "Health"})

	items, err := env.Engine.ListForUser(env.Ctx, "meera")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d requests, want 2", len(items))
	}
	ids := map[string]bool{}
	for _, it := range items {
		ids[it.ID] = true
	}
	if !ids[mine.ID] || !ids[other.ID] {
		t.Fatalf("wrong set: %v", ids)
	}
}

func TestFilter(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, engine.CreateOptions{Title: "Water line repair", Creator: "meera", Department: "Water Supply"})
	budget := mustCreate(t, env, engine.CreateOptions{Title: "Budget review", Creator: "anil", Department: "Finance"})
	if _, err := env.Engine.Reject(env.Ctx, budget.ID, "anil", ""); err != nil {
		t.Fatal(err)
	}

	items, err := env.Engine.Filter(env.Ctx, engine.FilterCriteria{Status: "All"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("status All: got %d, want 2", len(items))
	}

	items, err = env.Engine.Filter(env.Ctx, engine.FilterCriteria{Status: domain.StatusRejected})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != budget.ID {
		t.Fatalf("status Rejected: %v", items)
	}

	items, err = env.Engine.Filter(env.Ctx, engine.FilterCriteria{Search: "WATER"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("case-insensitive search: got %d, want 1", len(items))
	}

	items, err = env.Engine.Filter(env.Ctx, engine.FilterCriteria{Department: "Finance", Status: "All"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != budget.ID {
		t.Fatalf("department filter: %v", items)
	}
}
