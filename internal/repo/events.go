package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
)

// LatestEvents returns the most recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, requestID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if requestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, requestID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,request_id,username,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var requestID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &requestID, &e.Username, &payload); err != nil {
			return nil, err
		}
		e.RequestID = requestID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
