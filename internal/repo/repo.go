package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const requestColumns = `id,title,COALESCE(description,''),COALESCE(department,''),COALESCE(departments,''),status,type,COALESCE(multi_department,''),creator,COALESCE(creator_department,''),COALESCE(creator_role,''),users_needed,users_accepted,COALESCE(accepted_by,''),COALESCE(participants_completed,''),COALESCE(rejections,''),COALESCE(date_created,''),created_at,COALESCE(last_status_update,''),COALESCE(last_status_update_time,''),COALESCE(status_changed_by,''),COALESCE(archived,''),COALESCE(archived_at,''),COALESCE(is_expired,''),COALESCE(priority,''),COALESCE(related_project,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var r domain.Request
	var departments, multiDept, acceptedBy, participants, rejections, archived, isExpired string
	err := row.Scan(&r.ID, &r.Title, &r.Description, &r.Department, &departments, &r.Status, &r.Type,
		&multiDept, &r.Creator, &r.CreatorDepartment, &r.CreatorRole, &r.UsersNeeded, &r.UsersAccepted,
		&acceptedBy, &participants, &rejections, &r.DateCreated, &r.CreatedAt, &r.LastStatusUpdate,
		&r.LastStatusUpdateTime, &r.StatusChangedBy, &archived, &r.ArchivedAt, &isExpired,
		&r.Priority, &r.RelatedProject)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Departments = decodeStringList(departments)
	r.AcceptedBy = decodeStringList(acceptedBy)
	r.ParticipantsCompleted = decodeStringList(participants)
	r.Rejections = decodeRejections(rejections)
	r.MultiDepartment = decodeBool(multiDept)
	r.Archived = decodeBool(archived)
	r.IsExpired = decodeBool(isExpired)
	return r, nil
}

func (r Repo) InsertRequest(ctx context.Context, req domain.Request) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO requests(id,title,description,department,departments,status,type,multi_department,creator,creator_department,creator_role,users_needed,users_accepted,accepted_by,participants_completed,rejections,date_created,created_at,last_status_update,last_status_update_time,status_changed_by,archived,archived_at,is_expired,priority,related_project)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Title, nullable(req.Description), nullable(req.Department), encodeJSON(req.Departments),
		req.Status, req.Type, encodeBool(req.MultiDepartment), req.Creator, nullable(req.CreatorDepartment),
		nullable(req.CreatorRole), req.UsersNeeded, req.UsersAccepted, encodeJSON(req.AcceptedBy),
		encodeJSON(req.ParticipantsCompleted), encodeJSON(req.Rejections), nullable(req.DateCreated),
		req.CreatedAt, nullable(req.LastStatusUpdate), nullable(req.LastStatusUpdateTime),
		nullable(req.StatusChangedBy), encodeBool(req.Archived), nullable(req.ArchivedAt),
		encodeBool(req.IsExpired), nullable(req.Priority), nullable(req.RelatedProject))
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

// GetRequestTx reads a request inside an open transaction so a lifecycle
// operation's read-modify-write span observes no interleaved writer.
func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

func (r Repo) ListRequests(ctx context.Context) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// requestFieldColumns maps updatable request field names to their columns.
// Collection and boolean values are encoded to the flat representation here,
// never by callers.
var requestFieldColumns = map[string]string{
	"title":                 "title",
	"description":           "description",
	"department":            "department",
	"departments":           "departments",
	"status":                "status",
	"type":                  "type",
	"multiDepartment":       "multi_department",
	"usersNeeded":           "users_needed",
	"usersAccepted":         "users_accepted",
	"acceptedBy":            "accepted_by",
	"participantsCompleted": "participants_completed",
	"rejections":            "rejections",
	"lastStatusUpdate":      "last_status_update",
	"lastStatusUpdateTime":  "last_status_update_time",
	"statusChangedBy":       "status_changed_by",
	"archived":              "archived",
	"archivedAt":            "archived_at",
	"isExpired":             "is_expired",
	"priority":              "priority",
	"relatedProject":        "related_project",
}

func encodeFieldValue(value any) any {
	switch v := value.(type) {
	case bool:
		return encodeBool(v)
	case []string:
		return encodeJSON(v)
	case []domain.Rejection:
		return encodeJSON(v)
	default:
		return v
	}
}

// UpdateRequestFields applies a field-level update. Unknown field names are
// rejected rather than silently dropped.
func (r Repo) UpdateRequestFields(ctx context.Context, tx *sql.Tx, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	var (
		sets []string
		args []any
	)
	for name, value := range fields {
		col, ok := requestFieldColumns[name]
		if !ok {
			return fmt.Errorf("unknown request field %q", name)
		}
		sets = append(sets, col+"=?")
		args = append(args, encodeFieldValue(value))
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE requests SET %s WHERE id=?`, strings.Join(sets, ","))
	var (
		res sql.Result
		err error
	)
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		res, err = r.DB.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRequest(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM requests WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
