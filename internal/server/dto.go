package server

import "github.com/Katsud0n0/final-jd-21/internal/domain"

// LoginRequest is the body of POST /users/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// LoginResponse carries the signed token and the authenticated user.
type LoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// CreateRequestRequest is the body of POST /requests.
type CreateRequestRequest struct {
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Department      string   `json:"department,omitempty"`
	Departments     []string `json:"departments,omitempty"`
	Creator         string   `json:"creator,omitempty"`
	Type            string   `json:"type,omitempty"`
	MultiDepartment bool     `json:"multiDepartment,omitempty"`
	UsersNeeded     int      `json:"usersNeeded,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	RelatedProject  string   `json:"relatedProject,omitempty"`
}

// RejectRequestRequest is the body of POST /requests/{id}/reject.
type RejectRequestRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CanAcceptRequest is the body of POST /requests/{id}/can-accept. Username
// and department default to the caller's when omitted.
type CanAcceptRequest struct {
	Username   string `json:"username,omitempty"`
	Department string `json:"department,omitempty"`
}

// MessageResponse wraps a human-readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}
