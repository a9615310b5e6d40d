package domain

// Request statuses as persisted and exposed over the wire.
const (
	StatusPending   = "Pending"
	StatusInProcess = "In Process"
	StatusCompleted = "Completed"
	StatusRejected  = "Rejected"
)

// Request types.
const (
	TypeRequest = "request"
	TypeProject = "project"
)

// Rejection is one append-only entry in a request's rejection log.
type Rejection struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
	Date     string `json:"date"`
}

// Request is the central work item routed between departments.
type Request struct {
	ID                    string      `json:"id"`
	Title                 string      `json:"title"`
	Description           string      `json:"description,omitempty"`
	Department            string      `json:"department"`
	Departments           []string    `json:"departments,omitempty"`
	Status                string      `json:"status" enum:"Pending,In Process,Completed,Rejected"`
	Type                  string      `json:"type" enum:"request,project"`
	MultiDepartment       bool        `json:"multiDepartment"`
	Creator               string      `json:"creator"`
	CreatorDepartment     string      `json:"creatorDepartment,omitempty"`
	CreatorRole           string      `json:"creatorRole,omitempty"`
	UsersNeeded           int         `json:"usersNeeded"`
	UsersAccepted         int         `json:"usersAccepted"`
	AcceptedBy            []string    `json:"acceptedBy"`
	ParticipantsCompleted []string    `json:"participantsCompleted,omitempty"`
	Rejections            []Rejection `json:"rejections,omitempty"`
	DateCreated           string      `json:"dateCreated"`
	CreatedAt             string      `json:"createdAt" format:"date-time"`
	LastStatusUpdate      string      `json:"lastStatusUpdate,omitempty" format:"date-time"`
	LastStatusUpdateTime  string      `json:"lastStatusUpdateTime,omitempty"`
	StatusChangedBy       string      `json:"statusChangedBy,omitempty"`
	Archived              bool        `json:"archived"`
	ArchivedAt            string      `json:"archivedAt,omitempty" format:"date-time"`
	IsExpired             bool        `json:"isExpired"`
	Priority              string      `json:"priority,omitempty"`
	RelatedProject        string      `json:"relatedProject,omitempty"`
}

// MultiParticipant reports whether the request follows the multi-participant
// path for acceptance, completion and abandonment.
func (r Request) MultiParticipant() bool {
	return r.MultiDepartment || r.Type == TypeProject
}

// AcceptedByUser reports whether username has currently accepted the request.
func (r Request) AcceptedByUser(username string) bool {
	for _, u := range r.AcceptedBy {
		if u == username {
			return true
		}
	}
	return false
}

type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	FullName   string `json:"fullName,omitempty"`
	Department string `json:"department"`
	Role       string `json:"role,omitempty"`
	Email      string `json:"email,omitempty"`
	Password   string `json:"-"`
	CreatedAt  string `json:"createdAt" format:"date-time"`
}

type Department struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Username  string `json:"username"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SweepSummary reports the effects of one expiry/archival pass.
type SweepSummary struct {
	Updated       bool     `json:"updated"`
	ExpiredCount  int      `json:"expired_count"`
	ArchivedCount int      `json:"archived_count"`
	DeletedIDs    []string `json:"deleted_ids,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}
