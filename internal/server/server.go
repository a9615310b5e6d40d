package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/engine"
	"github.com/Katsud0n0/final-jd-21/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_eligible"`
	Message string `json:"message" example:"Already accepted"`
	Details any    `json:"details,omitempty"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the request lifecycle API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("JD Requests API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerUsers(group, cfg.Engine, cfg.Auth)
	registerDepartments(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var de engine.DeniedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "not_eligible", de.Reason, nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "Request not found", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		}
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status"`
			}
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerUsers(api huma.API, e engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/users/login",
		Summary:     "Exchange credentials for a token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		username := strings.TrimSpace(input.Body.Username)
		if username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is required", nil)
		}
		user, err := e.Repo.GetUserByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
			}
			return nil, handleError(err)
		}
		if user.Password != input.Body.Password {
			if !(user.Password == "" && auth.AllowPasswordlessLogins) {
				return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
			}
		}
		token, err := IssueToken(user.Username, auth.JWTSecret, auth.TokenTTL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, User: user}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPut,
		Path:        "/users/{id}",
		Summary:     "Update user profile fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body map[string]any `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := usernameFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if len(input.Body) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no fields to update", nil)
		}
		if err := e.Repo.UpdateUserFields(ctx, input.ID, input.Body); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "User not found", nil)
			}
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		user, err := e.Repo.GetUser(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: user}, nil
	})
}

func registerDepartments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-departments",
		Method:      http.MethodGet,
		Path:        "/departments",
		Summary:     "List departments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Department `json:"body"`
	}, error) {
		departments, err := e.Repo.ListDepartments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Department `json:"body"`
		}{Body: departments}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		creator := input.Body.Creator
		if creator == "" {
			creator = username
		}
		opts := engine.CreateOptions{
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			Department:      input.Body.Department,
			Departments:     input.Body.Departments,
			Type:            input.Body.Type,
			MultiDepartment: input.Body.MultiDepartment,
			Creator:         creator,
			UsersNeeded:     input.Body.UsersNeeded,
			Priority:        input.Body.Priority,
			RelatedProject:  input.Body.RelatedProject,
		}
		if user, err := e.Repo.GetUserByUsername(ctx, creator); err == nil {
			opts.CreatorDepartment = user.Department
			opts.CreatorRole = user.Role
		}
		req, err := e.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Request `json:"body"`
	}, error) {
		items, err := e.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Request `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "filter-requests",
		Method:      http.MethodGet,
		Path:        "/requests/filter",
		Summary:     "Filter requests",
	}, func(ctx context.Context, input *struct {
		Department      string `query:"department"`
		Status          string `query:"status"`
		Type            string `query:"type"`
		MultiDepartment bool   `query:"multiDepartment"`
		Search          string `query:"search"`
	}) (*struct {
		Body []domain.Request `json:"body"`
	}, error) {
		items, err := e.Filter(ctx, engine.FilterCriteria{
			Department:      input.Department,
			Status:          input.Status,
			Type:            input.Type,
			MultiDepartment: input.MultiDepartment,
			Search:          input.Search,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Request `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-requests",
		Method:      http.MethodGet,
		Path:        "/requests/user/{username}",
		Summary:     "List requests created or accepted by a user",
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
	}) (*struct {
		Body []domain.Request `json:"body"`
	}, error) {
		items, err := e.ListForUser(ctx, input.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Request `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		req, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-request",
		Method:      http.MethodPut,
		Path:        "/requests/{id}",
		Summary:     "Update request fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body map[string]any `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no fields to update", nil)
		}
		req, err := e.Update(ctx, input.ID, username, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-request",
		Method:      http.MethodDelete,
		Path:        "/requests/{id}",
		Summary:     "Delete request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, input.ID, username); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "Request deleted successfully"}}, nil
	})
}

// callerDepartment resolves the acting user's department from the directory.
func callerDepartment(ctx context.Context, e engine.Engine, username string) (string, huma.StatusError) {
	user, err := e.Repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", newAPIError(http.StatusBadRequest, "bad_request", "unknown user", map[string]any{"username": username})
		}
		return "", handleError(err)
	}
	return user.Department, nil
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "accept-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/accept",
		Summary:     "Accept request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		department, depErr := callerDepartment(ctx, e, username)
		if depErr != nil {
			return nil, depErr
		}
		req, err := e.Accept(ctx, input.ID, username, department)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/complete",
		Summary:     "Mark work finished",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Complete(ctx, input.ID, username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/abandon",
		Summary:     "Walk away from an accepted request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Abandon(ctx, input.ID, username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/reject",
		Summary:     "Reject request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RejectRequestRequest `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Reject(ctx, input.ID, username, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/archive",
		Summary:     "Archive request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Archive(ctx, input.ID, username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/unarchive",
		Summary:     "Restore archived request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		username, authErr := usernameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Unarchive(ctx, input.ID, username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-accept-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/can-accept",
		Summary:     "Check acceptance eligibility without mutating",
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body CanAcceptRequest `json:"body"`
	}) (*struct {
		Body engine.Decision `json:"body"`
	}, error) {
		username := input.Body.Username
		if username == "" {
			caller, authErr := usernameFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			username = caller
		}
		department := input.Body.Department
		if department == "" {
			if user, err := e.Repo.GetUserByUsername(ctx, username); err == nil {
				department = user.Department
			}
		}
		decision, err := e.CanAccept(ctx, input.ID, username, department)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Decision `json:"body"`
		}{Body: decision}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-expiration",
		Method:      http.MethodPost,
		Path:        "/requests/check-expiration",
		Summary:     "Run one expiry and archival pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SweepSummary `json:"body"`
	}, error) {
		summary, err := e.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SweepSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		RequestID string `query:"requestId"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
