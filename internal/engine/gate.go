package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/repo"
)

// Decision is the Acceptance Gate's answer. Denials are data, not errors;
// callers branch on Allowed.
type Decision struct {
	Allowed bool   `json:"canAccept"`
	Reason  string `json:"reason,omitempty"`
}

// CanAccept is the read-only eligibility check preceding Accept. It reads a
// recent snapshot without taking the write lock.
func (e Engine) CanAccept(ctx context.Context, id, username, department string) (Decision, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Decision{Allowed: false, Reason: "Request not found"}, nil
		}
		return Decision{}, err
	}
	return evaluateGate(req, username, department), nil
}

// evaluateGate decides whether username from department may accept req.
// Accept runs the same predicate inside its transaction.
func evaluateGate(req domain.Request, username, department string) Decision {
	if req.AcceptedByUser(username) {
		return Decision{Allowed: false, Reason: "Already accepted"}
	}
	if req.Status != domain.StatusPending && req.Status != domain.StatusRejected {
		return Decision{Allowed: false, Reason: fmt.Sprintf("Cannot accept request with status: %s", req.Status)}
	}
	if req.MultiParticipant() {
		// An empty required-departments list imposes no restriction.
		if len(req.Departments) > 0 && !contains(req.Departments, department) {
			return Decision{Allowed: false, Reason: "Your department is not required for this request"}
		}
		return Decision{Allowed: true}
	}
	if department != req.Department {
		return Decision{Allowed: false, Reason: "Request is for a different department"}
	}
	return Decision{Allowed: true}
}
