package engine

import (
	"context"
	"strings"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
)

// FilterCriteria are AND-combined predicates over the request collection.
// Zero values impose no restriction; Status additionally treats the sentinel
// "All" as no restriction.
type FilterCriteria struct {
	Department      string
	Status          string
	Type            string
	MultiDepartment bool
	Search          string
}

// Filter evaluates criteria over a store snapshot. It has no write effects.
func (e Engine) Filter(ctx context.Context, c FilterCriteria) ([]domain.Request, error) {
	all, err := e.Repo.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Request
	for _, r := range all {
		if matches(r, c) {
			res = append(res, r)
		}
	}
	return res, nil
}

func matches(r domain.Request, c FilterCriteria) bool {
	if c.Department != "" && r.Department != c.Department {
		return false
	}
	if c.Status != "" && c.Status != "All" && r.Status != c.Status {
		return false
	}
	if c.Type != "" && r.Type != c.Type {
		return false
	}
	if c.MultiDepartment && !r.MultiDepartment {
		return false
	}
	if c.Search != "" {
		needle := strings.ToLower(c.Search)
		if !strings.Contains(strings.ToLower(r.Title), needle) &&
			!strings.Contains(strings.ToLower(r.Description), needle) &&
			!strings.Contains(strings.ToLower(r.Department), needle) &&
			!strings.Contains(strings.ToLower(r.Creator), needle) {
			return false
		}
	}
	return true
}
