package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"onecost/internal/domain"
	"onecost/internal/engine"
	"onecost/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"illegal transition pending -> treated"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the OneCost API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are caller mistakes.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(raw))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("OneCost API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerRequests(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field})
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ar engine.ArchivedError
	if errors.As(err, &ar) {
		return newAPIError(http.StatusConflict, "archived", err.Error(), map[string]any{"id": ar.ID})
	}
	var at engine.AlreadyTreatedError
	if errors.As(err, &at) {
		return newAPIError(http.StatusConflict, "already_treated", err.Error(), map[string]any{"treated_by": at.TreatedBy})
	}
	var it engine.IllegalTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), map[string]any{"current_status": it.From})
	}
	var ae engine.AuthorizationError
	if errors.As(err, &ae) {
		// No detail about which role would have sufficed.
		return newAPIError(http.StatusForbidden, "forbidden", "operation not permitted", nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return raw
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

func registerAuth(api huma.API, e engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if input.Body.Username == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "username and password are required", nil)
		}
		actor, err := e.Repo.GetActor(ctx, input.Body.Username)
		if err != nil || actor.PasswordHash == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(actor.PasswordHash), []byte(input.Body.Password)); err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil)
		}
		token, err := signToken(actor, auth.JWTSecret, auth.tokenTTL(), time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, Actor: actorResponse(actor)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Authenticated actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(actor)}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create cost request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*struct {
		Body CostRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			CaseReference:             input.Body.CaseReference,
			RequestNumber:             input.Body.RequestNumber,
			Amount:                    input.Body.Amount,
			RequestedDate:             input.Body.RequestedDate,
			UserConfirmationRequested: input.Body.UserConfirmationRequested,
			Actor:                     actor,
		}
		if input.Body.ProcessNumber != nil {
			opts.ProcessNumber = *input.Body.ProcessNumber
		}
		req, err := e.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		resp := requestResponse(req)
		resp.CreatedByName = actor.DisplayName
		return &struct {
			Body CostRequestResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List cost requests",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		IncludeArchived bool   `query:"include_archived"`
		Status          string `query:"status" example:"pending,error"`
		Limit           int    `query:"limit" default:"0"`
	}) (*struct {
		Body []CostRequestResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e.Repo); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRequests(ctx, engine.ListFilters{
			IncludeArchived: input.IncludeArchived,
			Status:          input.Status,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CostRequestResponse `json:"body"`
		}{Body: mapRequestViews(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get cost request",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body CostRequestResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e.Repo); authErr != nil {
			return nil, authErr
		}
		v, err := e.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CostRequestResponse `json:"body"`
		}{Body: requestViewResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/reset",
		Summary:     "Reset request to pending",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body CostRequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ResetToPending(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CostRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "treat-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/treat",
		Summary:     "Mark request treated",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body CostRequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.MarkTreated(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CostRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-request-archived",
		Method:      http.MethodPut,
		Path:        "/requests/{id}/archive",
		Summary:     "Archive or unarchive request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body ArchiveRequest `json:"body"`
	}) (*struct {
		Body CostRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.SetArchived(ctx, input.ID, actor, input.Body.Archived)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CostRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-robot-observation",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/robot-report",
		Summary:     "Report a portal observation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body RobotReportRequest `json:"body"`
	}) (*struct {
		Body CostRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RobotReportOptions{
			ID:          input.ID,
			RobotStatus: domain.RobotStatus(input.Body.RobotStatus),
			Attachments: input.Body.Attachments,
			Actor:       actor,
		}
		if input.Body.PortalStatus != nil {
			opts.PortalStatus = *input.Body.PortalStatus
		}
		if input.Body.CheckedAt != nil {
			opts.CheckedAt = *input.Body.CheckedAt
		}
		if input.Body.ConfirmedBy != nil {
			opts.ConfirmedBy = *input.Body.ConfirmedBy
		}
		req, err := e.ReportRobotObservation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CostRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RequestID int64  `query:"request_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"100"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e.Repo); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			RequestID: input.RequestID,
			Type:      input.Type,
			Limit:     input.Limit,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		ensureLeadingSlash(path.Join(basePath, "health")):     true,
		ensureLeadingSlash(path.Join(basePath, "auth/login")): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureLeadingSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>OneCost API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
