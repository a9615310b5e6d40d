package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/events"
)

// Sweep runs one expiry/archival pass over a snapshot of all requests taken
// at sweep start.
//
// Terminal records past the retention window are marked expired on one sweep
// and deleted on a later sweep: deletion requires isExpired to have been set
// in this sweep's snapshot, so the one-pass lag between mark and delete is
// part of the contract, not a race to fix.
//
// Pending records age out on a tier per kind (project > multi-department >
// request); projects pass through an archived stage with a grace period
// before deletion, others are deleted directly.
//
// A failure on one record is collected into the summary and the pass
// continues.
func (e Engine) Sweep(ctx context.Context) (domain.SweepSummary, error) {
	snapshot, err := e.Repo.ListRequests(ctx)
	if err != nil {
		return domain.SweepSummary{}, fmt.Errorf("sweep snapshot: %w", err)
	}
	now := e.now()
	var summary domain.SweepSummary
	var toDelete []string

	for _, req := range snapshot {
		switch req.Status {
		case domain.StatusCompleted, domain.StatusRejected:
			if req.LastStatusUpdate == "" {
				continue
			}
			updatedAt, err := time.Parse(time.RFC3339, req.LastStatusUpdate)
			if err != nil {
				continue
			}
			if now.After(updatedAt.Add(e.Config.TerminalRetention())) && !req.IsExpired {
				if err := e.markExpired(ctx, req.ID); err != nil {
					summary.Errors = append(summary.Errors, fmt.Sprintf("%s: mark expired: %v", req.ID, err))
					continue
				}
				summary.Updated = true
			}
			if req.IsExpired {
				toDelete = append(toDelete, req.ID)
				summary.ExpiredCount++
			}
		case domain.StatusPending:
			createdAt, ok := creationTime(req)
			if !ok {
				continue
			}
			threshold := e.Config.RequestExpiry()
			if req.Type == domain.TypeProject {
				threshold = e.Config.ProjectExpiry()
			} else if req.MultiDepartment {
				threshold = e.Config.MultiRequestExpiry()
			}
			expiresAt := createdAt.Add(threshold)
			if req.Type == domain.TypeProject {
				if now.After(expiresAt) && !req.Archived {
					if err := e.archiveExpired(ctx, req.ID, now); err != nil {
						summary.Errors = append(summary.Errors, fmt.Sprintf("%s: archive: %v", req.ID, err))
						continue
					}
					summary.Updated = true
					summary.ArchivedCount++
				}
				if req.Archived && req.ArchivedAt != "" {
					archivedAt, err := time.Parse(time.RFC3339, req.ArchivedAt)
					if err != nil {
						continue
					}
					if now.After(archivedAt.Add(e.Config.ArchiveGrace())) {
						toDelete = append(toDelete, req.ID)
						summary.ExpiredCount++
					}
				}
			} else if now.After(expiresAt) {
				toDelete = append(toDelete, req.ID)
				summary.ExpiredCount++
			}
		}
	}

	// Deletions are applied by id after the full scan.
	for _, id := range toDelete {
		unlock := e.locks.acquire(id)
		err := e.Repo.DeleteRequest(ctx, id)
		unlock()
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: delete: %v", id, err))
			continue
		}
		summary.Updated = true
		summary.DeletedIDs = append(summary.DeletedIDs, id)
	}

	if summary.Updated {
		if err := e.recordSweep(ctx, summary); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("record sweep: %v", err))
		}
	}
	return summary, nil
}

func (e Engine) markExpired(ctx context.Context, id string) error {
	unlock := e.locks.acquire(id)
	defer unlock()
	return e.Repo.UpdateRequestFields(ctx, nil, id, map[string]any{"isExpired": true})
}

func (e Engine) archiveExpired(ctx context.Context, id string, now time.Time) error {
	unlock := e.locks.acquire(id)
	defer unlock()
	return e.Repo.UpdateRequestFields(ctx, nil, id, map[string]any{
		"archived":   true,
		"archivedAt": now.Format(time.RFC3339),
	})
}

func (e Engine) recordSweep(ctx context.Context, summary domain.SweepSummary) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "sweep.completed", "", "sweeper", events.EventPayload{
		"expired_count":  summary.ExpiredCount,
		"archived_count": summary.ArchivedCount,
		"deleted":        summary.DeletedIDs,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// creationTime resolves the request's creation instant, preferring the
// precise timestamp over the calendar date.
func creationTime(req domain.Request) (time.Time, bool) {
	if req.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, req.CreatedAt); err == nil {
			return t, true
		}
	}
	if req.DateCreated != "" {
		if t, err := time.Parse(dateLayout, req.DateCreated); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
