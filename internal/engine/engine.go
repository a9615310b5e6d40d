package engine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Katsud0n0/final-jd-21/internal/config"
	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/events"
	"github.com/Katsud0n0/final-jd-21/internal/repo"
)

// Engine applies request lifecycle transitions. Each operation is one
// serialized read-modify-write span per request id: a per-id mutex plus a
// single transaction from fetch to commit, so two concurrent accepts cannot
// both observe a pre-quorum count.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *requestLocks
}

// requestLocks serializes writers per request id. Operations on different
// ids never contend.
type requestLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *requestLocks) acquire(id string) func() {
	l.mu.Lock()
	lk, ok := l.m[id]
	if !ok {
		lk = &sync.Mutex{}
		l.m[id] = lk
	}
	l.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  &requestLocks{m: map[string]*sync.Mutex{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// DeniedError reports an Acceptance Gate denial surfaced through Accept.
type DeniedError struct {
	Reason string
}

func (e DeniedError) Error() string { return e.Reason }

// ValidationError reports malformed operation input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// Wire date formats carried over from the existing records.
const (
	dateLayout     = "02/01/2006"
	clockLayout    = "15:04:05"
	dateTimeLayout = "02/01/2006 15:04:05"
)

// statusStamp returns the two timestamp fields updated on every status
// transition, derived from a single captured now.
func statusStamp(now time.Time) (string, string) {
	return now.Format(time.RFC3339), now.Format(clockLayout)
}

// CreateOptions are parameters for creating a request.
type CreateOptions struct {
	ID                string
	Title             string
	Description       string
	Department        string
	Departments       []string
	Type              string
	MultiDepartment   bool
	Creator           string
	CreatorDepartment string
	CreatorRole       string
	UsersNeeded       int
	Priority          string
	RelatedProject    string
}

// Create inserts a new request in Pending status.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Request, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Request{}, ValidationError{Msg: "title is required"}
	}
	if strings.TrimSpace(opts.Creator) == "" {
		return domain.Request{}, ValidationError{Msg: "creator is required"}
	}
	if opts.Type == "" {
		opts.Type = domain.TypeRequest
	}
	if opts.Type != domain.TypeRequest && opts.Type != domain.TypeProject {
		return domain.Request{}, ValidationError{Msg: fmt.Sprintf("unknown request type %q", opts.Type)}
	}
	if opts.UsersNeeded < 1 {
		opts.UsersNeeded = 1
	}
	id := opts.ID
	if id == "" {
		id = newRequestID()
	}
	now := e.now()
	req := domain.Request{
		ID:                    id,
		Title:                 opts.Title,
		Description:           opts.Description,
		Department:            opts.Department,
		Departments:           opts.Departments,
		Status:                domain.StatusPending,
		Type:                  opts.Type,
		MultiDepartment:       opts.MultiDepartment,
		Creator:               opts.Creator,
		CreatorDepartment:     opts.CreatorDepartment,
		CreatorRole:           opts.CreatorRole,
		UsersNeeded:           opts.UsersNeeded,
		AcceptedBy:            []string{},
		ParticipantsCompleted: []string{},
		Rejections:            []domain.Rejection{},
		DateCreated:           now.Format(dateLayout),
		CreatedAt:             now.Format(time.RFC3339),
		Priority:              opts.Priority,
		RelatedProject:        opts.RelatedProject,
	}
	if err := e.Repo.InsertRequest(ctx, req); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "request.created", req.ID, opts.Creator, events.EventPayload{"title": req.Title, "type": req.Type}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// Request ids are short random tokens like "#3FA2C1".
func newRequestID() string {
	u := uuid.New()
	return "#" + strings.ToUpper(hex.EncodeToString(u[:3]))
}

// Get returns a request by id.
func (e Engine) Get(ctx context.Context, id string) (domain.Request, error) {
	return e.Repo.GetRequest(ctx, id)
}

// List returns all requests, newest first.
func (e Engine) List(ctx context.Context) ([]domain.Request, error) {
	return e.Repo.ListRequests(ctx)
}

// ListForUser returns requests the user created or currently accepts.
func (e Engine) ListForUser(ctx context.Context, username string) ([]domain.Request, error) {
	all, err := e.Repo.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Request
	for _, r := range all {
		if r.Creator == username || r.AcceptedByUser(username) {
			res = append(res, r)
		}
	}
	return res, nil
}

// Engine-owned fields may only change through lifecycle operations.
var engineOwnedFields = map[string]bool{
	"status":                true,
	"acceptedBy":            true,
	"usersAccepted":         true,
	"participantsCompleted": true,
	"rejections":            true,
	"lastStatusUpdate":      true,
	"lastStatusUpdateTime":  true,
	"statusChangedBy":       true,
	"isExpired":             true,
}

// Update applies a descriptive field-level update. Lifecycle state cannot be
// touched this way.
func (e Engine) Update(ctx context.Context, id, username string, fields map[string]any) (domain.Request, error) {
	for name := range fields {
		if engineOwnedFields[name] {
			return domain.Request{}, ValidationError{Msg: fmt.Sprintf("field %q cannot be updated directly", name)}
		}
	}
	unlock := e.locks.acquire(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetRequestTx(ctx, tx, id); err != nil {
		return domain.Request{}, err
	}
	if err := e.Repo.UpdateRequestFields(ctx, tx, id, fields); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Request{}, err
		}
		return domain.Request{}, fmt.Errorf("update request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.updated", id, username, events.EventPayload{"fields": fieldNames(fields)}); err != nil {
		return domain.Request{}, err
	}
	updated, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return updated, nil
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	return names
}

// Delete removes a request by id. This is the administrative surface; the
// sweeper remains the only automatic deleter.
func (e Engine) Delete(ctx context.Context, id, username string) error {
	unlock := e.locks.acquire(id)
	defer unlock()
	if err := e.Repo.DeleteRequest(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "request.deleted", id, username, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Accept records username's acceptance of a request, transitioning it to
// In Process once the needed headcount is reached. The Acceptance Gate runs
// against the same snapshot the mutation commits over.
func (e Engine) Accept(ctx context.Context, id, username, department string) (domain.Request, error) {
	unlock := e.locks.acquire(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if d := evaluateGate(req, username, department); !d.Allowed {
		return domain.Request{}, DeniedError{Reason: d.Reason}
	}
	req.AcceptedBy = append(req.AcceptedBy, username)
	req.UsersAccepted = len(req.AcceptedBy)
	fields := map[string]any{
		"acceptedBy":    req.AcceptedBy,
		"usersAccepted": req.UsersAccepted,
	}
	// Accepting a rejected request re-opens it.
	if req.Status == domain.StatusRejected {
		req.Status = domain.StatusPending
		fields["status"] = req.Status
	}
	if req.UsersAccepted >= req.UsersNeeded && req.Status == domain.StatusPending {
		req.Status = domain.StatusInProcess
		req.LastStatusUpdate, req.LastStatusUpdateTime = statusStamp(e.now())
		fields["status"] = req.Status
		fields["lastStatusUpdate"] = req.LastStatusUpdate
		fields["lastStatusUpdateTime"] = req.LastStatusUpdateTime
	}
	if err := e.Repo.UpdateRequestFields(ctx, tx, id, fields); err != nil {
		return domain.Request{}, fmt.Errorf("accept request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.accepted", id, username, events.EventPayload{"status": req.Status, "users_accepted": req.UsersAccepted}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// Complete records username's completion. Multi-participant requests require
// every current acceptor to complete and at least two acceptors before the
// request itself completes; single requests complete immediately.
func (e Engine) Complete(ctx context.Context, id, username string) (domain.Request, error) {
	unlock := e.locks.acquire(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	fields := map[string]any{}
	if req.MultiParticipant() {
		if !contains(req.ParticipantsCompleted, username) {
			req.ParticipantsCompleted = append(req.ParticipantsCompleted, username)
		}
		fields["participantsCompleted"] = req.ParticipantsCompleted
		if len(req.ParticipantsCompleted) >= len(req.AcceptedBy) &&
			len(req.AcceptedBy) >= 2 &&
			req.Status == domain.StatusInProcess {
			req.Status = domain.StatusCompleted
			req.LastStatusUpdate, req.LastStatusUpdateTime = statusStamp(e.now())
			fields["status"] = req.Status
			fields["lastStatusUpdate"] = req.LastStatusUpdate
			fields["lastStatusUpdateTime"] = req.LastStatusUpdateTime
		}
	} else {
		req.Status = domain.StatusCompleted
		req.LastStatusUpdate, req.LastStatusUpdateTime = statusStamp(e.now())
		fields["status"] = req.Status
		fields["lastStatusUpdate"] = req.LastStatusUpdate
		fields["lastStatusUpdateTime"] = req.LastStatusUpdateTime
	}
	if err := e.Repo.UpdateRequestFields(ctx, tx, id, fields); err != nil {
		return domain.Request{}, fmt.Errorf("complete request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.completed", id, username, events.EventPayload{"status": req.Status}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// Abandon withdraws username from a request. Multi-participant requests drop
// the user and fall back to Pending; single requests become Rejected with
// their acceptance cleared. Either way a rejection entry is appended and the
// record is never deleted.
func (e Engine) Abandon(ctx context.Context, id, username string) (domain.Request, error) {
	unlock := e.locks.acquire(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	now := e.now()
	req.Rejections = append(req.Rejections, domain.Rejection{
		Username: username,
		Reason:   "",
		Date:     now.Format(dateTimeLayout),
	})
	req.LastStatusUpdate, req.LastStatusUpdateTime = statusStamp(now)
	fields := map[string]any{
		"rejections":           req.Rejections,
		"lastStatusUpdate":     req.LastStatusUpdate,
		"lastStatusUpdateTime": req.LastStatusUpdateTime,
	}
	if req.MultiParticipant() {
		req.AcceptedBy = remove(req.AcceptedBy, username)
		req.ParticipantsCompleted = remove(req.ParticipantsCompleted, username)
		req.UsersAccepted = req.UsersAccepted - 1
		if req.UsersAccepted < 0 {
			req.UsersAccepted = 0
		}
		req.Status = domain.StatusPending
		fields["acceptedBy"] = req.AcceptedBy
		fields["participantsCompleted"] = req.ParticipantsCompleted
		fields["usersAccepted"] = req.UsersAccepted
		fields["status"] = req.Status
	} else {
		req.Status = domain.StatusRejected
		req.AcceptedBy = []string{}
		req.UsersAccepted = 0
		req.StatusChangedBy = username
		fields["status"] = req.Status
		fields["acceptedBy"] = req.AcceptedBy
		fields["usersAccepted"] = req.UsersAccepted
		fields["statusChangedBy"] = req.StatusChangedBy
	}
	if err := e.Repo.UpdateRequestFields(ctx, tx, id, fields); err != nil {
		return domain.Request{}, fmt.Errorf("abandon request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.abandoned", id, username, events.EventPayload{"status": req.Status}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// Reject marks the request Rejected and appends to the rejection log. The
// acceptance roster is left untouched.
func (e Engine) Reject(ctx context.Context, id, username, reason string) (domain.Request, error) {
	unlock := e.locks.acquire(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	now := e.now()
	req.Rejections = append(req.Rejections, domain.Rejection{
		Username: username,
		Reason:   reason,
		Date:     now.Format(dateTimeLayout),
	})
	req.Status = domain.StatusRejected
	req.StatusChangedBy = username
	req.LastStatusUpdate, req.LastStatusUpdateTime = statusStamp(now)
	fields := map[string]any{
		"status":               req.Status,
		"rejections":           req.Rejections,
		"statusChangedBy":      req.StatusChangedBy,
		"lastStatusUpdate":     req.LastStatusUpdate,
		"lastStatusUpdateTime": req.LastStatusUpdateTime,
	}
	if err := e.Repo.UpdateRequestFields(ctx, tx, id, fields); err != nil {
		return domain.Request{}, fmt.Errorf("reject request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.rejected", id, username, events.EventPayload{"reason": reason}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// Archive marks a project archived without deleting it.
func (e Engine) Archive(ctx context.Context, id, username string) (domain.Request, error) {
	return e.setArchived(ctx, id, username, true)
}

// Unarchive clears the archival markers, rescuing a project from the
// sweeper's deletion path.
func (e Engine) Unarchive(ctx context.Context, id, username string) (domain.Request, error) {
	return e.setArchived(ctx, id, username, false)
}

func (e Engine) setArchived(ctx context.Context, id, username string, archived bool) (domain.Request, error) {
	unlock := e.locks.acquire(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	req.Archived = archived
	evtType := "request.unarchived"
	if archived {
		req.ArchivedAt = e.now().Format(time.RFC3339)
		evtType = "request.archived"
	} else {
		req.ArchivedAt = ""
	}
	fields := map[string]any{
		"archived":   req.Archived,
		"archivedAt": req.ArchivedAt,
	}
	if err := e.Repo.UpdateRequestFields(ctx, tx, id, fields); err != nil {
		return domain.Request{}, fmt.Errorf("archive request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, evtType, id, username, nil); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
