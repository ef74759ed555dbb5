package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pkgboard/internal/domain"
	"pkgboard/internal/notify"
	"pkgboard/internal/registry"
	"pkgboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Registry registry.Registry
	BasePath string
	Auth     AuthConfig
	// ReleaseToken gates the /delete hook; empty disables the hook.
	ReleaseToken string
	Telegram     *notify.Telegram
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"unknown package"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pkgboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Pkgboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBoard(group, cfg.Registry)
	registerPackagers(group, cfg.Registry)
	registerPackages(group, cfg.Registry)
	registerMarks(group, cfg.Registry)
	registerRelations(group, cfg.Registry)
	registerRelease(group, cfg)
	registerEvents(group, cfg.Registry)

	return router, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
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
	switch {
	case errors.Is(err, domain.ErrUnknownPackage), errors.Is(err, domain.ErrUnknownPackager), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrSelfDependency):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrCyclicDependency):
		return newAPIError(http.StatusConflict, "cyclic_dependency", err.Error(), nil)
	case errors.Is(err, domain.ErrConstraintViolation):
		return newAPIError(http.StatusUnprocessableEntity, "constraint_violation", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "constraint_violation"
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
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBoard(api huma.API, g registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/pkg",
		Summary:     "Working list and mark list",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body registry.Board `json:"body"`
	}, error) {
		board, err := g.Board(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body registry.Board `json:"body"`
		}{Body: board}, nil
	})
}

func registerPackagers(api huma.API, g registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-packager",
		Method:        http.MethodPost,
		Path:          "/packagers",
		Summary:       "Register or rename packager",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body PackagerRequest `json:"body"`
	}) (*struct {
		Body PackagerResponse `json:"body"`
	}, error) {
		p, err := g.UpsertPackager(ctx, domain.Packager{TgUID: input.Body.TgUID, Alias: input.Body.Alias}, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackagerResponse `json:"body"`
		}{Body: packagerResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-packagers",
		Method:      http.MethodGet,
		Path:        "/packagers",
		Summary:     "List packagers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PackagerResponse `json:"body"`
	}, error) {
		items, err := g.Repo.ListPackagers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PackagerResponse `json:"body"`
		}{Body: mapPackagers(items)}, nil
	})
}

func registerPackages(api huma.API, g registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-package",
		Method:        http.MethodPost,
		Path:          "/packages",
		Summary:       "Register or rename package",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PackageRequest `json:"body"`
	}) (*struct {
		Body PackageResponse `json:"body"`
	}, error) {
		p, err := g.UpsertPackage(ctx, domain.Package{ID: input.Body.ID, Name: input.Body.Name}, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackageResponse `json:"body"`
		}{Body: packageResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "List packages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PackageResponse `json:"body"`
	}, error) {
		items, err := g.Repo.ListPackages(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PackageResponse `json:"body"`
		}{Body: mapPackages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-package",
		Method:      http.MethodGet,
		Path:        "/packages/{id}",
		Summary:     "Package status",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		s, err := g.Status(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-package",
		Method:      http.MethodPost,
		Path:        "/packages/{id}/assign",
		Summary:     "Assign package",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		a, err := g.Assign(ctx, input.ID, input.Body.Assignee, input.Body.AssignedAt, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-package",
		Method:      http.MethodPost,
		Path:        "/packages/{id}/unassign",
		Summary:     "Unassign package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		a, err := g.Unassign(ctx, input.ID, 0, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "package-assignee",
		Method:      http.MethodGet,
		Path:        "/packages/{id}/assignee",
		Summary:     "Current assignee",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AssigneeResponse `json:"body"`
	}, error) {
		p, err := g.CurrentAssignee(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := AssigneeResponse{Assigned: p != nil}
		if p != nil {
			pr := packagerResponse(*p)
			res.Packager = &pr
		}
		return &struct {
			Body AssigneeResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "package-ready",
		Method:      http.MethodGet,
		Path:        "/packages/{id}/ready",
		Summary:     "Package readiness",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ReadyResponse `json:"body"`
	}, error) {
		r, err := g.Ready(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReadyResponse `json:"body"`
		}{Body: readyResponse(r)}, nil
	})
}

func registerMarks(api huma.API, g registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-mark",
		Method:        http.MethodPost,
		Path:          "/marks",
		Summary:       "Record mark",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body MarkRequest `json:"body"`
	}) (*struct {
		Body MarkResponse `json:"body"`
	}, error) {
		m, err := g.RecordMark(ctx, registry.MarkOptions{
			Name:     input.Body.Name,
			ForPkg:   input.Body.ForPkg,
			MarkedBy: input.Body.MarkedBy,
			MarkedAt: input.Body.MarkedAt,
			MsgID:    input.Body.MsgID,
			Comment:  input.Body.Comment,
			ActorID:  actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MarkResponse `json:"body"`
		}{Body: markResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-marks",
		Method:      http.MethodGet,
		Path:        "/marks",
		Summary:     "List marks",
	}, func(ctx context.Context, input *struct {
		Pkg int64 `query:"pkg"`
	}) (*struct {
		Body []MarkResponse `json:"body"`
	}, error) {
		var (
			items []domain.Mark
			err   error
		)
		if input.Pkg != 0 {
			items, err = g.Repo.ListMarks(ctx, input.Pkg)
		} else {
			items, err = g.Repo.ListAllMarks(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MarkResponse `json:"body"`
		}{Body: mapMarks(items)}, nil
	})
}

func registerRelations(api huma.API, g registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "put-relation",
		Method:      http.MethodPut,
		Path:        "/relations",
		Summary:     "Add or update relation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RelationRequest `json:"body"`
	}) (*struct {
		Body RelationResponse `json:"body"`
	}, error) {
		rel, err := g.AddRelation(ctx, domain.Relation{
			Status:   input.Body.Status,
			Required: input.Body.Required,
			Request:  input.Body.Request,
		}, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RelationResponse `json:"body"`
		}{Body: relationResponse(rel)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-relation",
		Method:      http.MethodDelete,
		Path:        "/relations/{request}/{required}",
		Summary:     "Resolve relation",
	}, func(ctx context.Context, input *struct {
		Request  int64 `path:"request"`
		Required int64 `path:"required"`
	}) (*struct{}, error) {
		if err := g.ResolveRelation(ctx, input.Request, input.Required, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-relations",
		Method:      http.MethodGet,
		Path:        "/relations",
		Summary:     "List relations",
	}, func(ctx context.Context, input *struct {
		Request int64 `query:"request"`
	}) (*struct {
		Body []RelationResponse `json:"body"`
	}, error) {
		var (
			items []domain.Relation
			err   error
		)
		if input.Request != 0 {
			items, err = g.Repo.ListRelationsFrom(ctx, input.Request)
		} else {
			items, err = g.Repo.ListRelations(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RelationResponse `json:"body"`
		}{Body: mapRelations(items)}, nil
	})
}

// registerRelease exposes the repository hook the build system calls
// when a package lands: GET /delete/{pkgname}/{status}?token=.
func registerRelease(api huma.API, cfg Config) {
	g := cfg.Registry
	huma.Register(api, huma.Operation{
		OperationID: "release-package",
		Method:      http.MethodGet,
		Path:        "/delete/{pkgname}/{status}",
		Summary:     "Release package",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PkgName string `path:"pkgname"`
		Status  string `path:"status"`
		Token   string `query:"token"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		if cfg.ReleaseToken == "" || input.Token != cfg.ReleaseToken {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid release token", nil)
		}
		res, err := g.ReleasePackage(ctx, input.PkgName, input.Status, "release-hook")
		if err != nil {
			return nil, handleError(err)
		}
		if cfg.Telegram.Enabled() && res.Assignee != nil {
			text := notify.MentionLink(res.Assignee.TgUID, res.Assignee.Alias) +
				" your package <b>" + notify.EscapeHTML(res.Pkg.Name) + "</b> was released (" + input.Status + ")"
			if err := cfg.Telegram.SendMessage(ctx, text); err != nil {
				log.Printf("release: notify failed: %v", err)
			}
		}
		body := ReleaseResponse{Pkg: packageResponse(res.Pkg), Status: input.Status}
		if res.Assignee != nil {
			pr := packagerResponse(*res.Assignee)
			body.Assignee = &pr
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: body}, nil
	})
}

func registerEvents(api huma.API, g registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := g.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
