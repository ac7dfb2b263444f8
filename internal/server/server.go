package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"redink/internal/config"
	"redink/internal/domain"
	"redink/internal/events"
	"redink/internal/history"
	"redink/internal/logger"
	"redink/internal/pathid"
	"redink/internal/retention"
)

// Config for the HTTP API handler.
type Config struct {
	Store   *history.Store
	Planner *retention.Planner
	// Events is optional; the events endpoint answers 404 without it.
	Events   *events.Reader
	BasePath string
	Auth     AuthConfig
	Admin    config.AdminConfig
	Log      *logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"record not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the history API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil || cfg.Planner == nil {
		return nil, errors.New("server: store and planner are required")
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
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
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(cfg.Log))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Log))
	router.Use(newAdminGuard(basePath, cfg.Admin, cfg.Log))

	hcfg := huma.DefaultConfig("RedInk History API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerHistory(group, cfg.Store)
	registerAdmin(group, cfg)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

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
	var ve *retention.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, ve.Code, ve.Reason, nil)
	}
	switch {
	case errors.Is(err, history.ErrInvalidStatus), errors.Is(err, pathid.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, history.ErrCorruptIndex):
		return newAPIError(http.StatusConflict, "index_corrupt", "history index is corrupt; rebuild it before running retention", map[string]any{"error": err.Error()})
	case errors.Is(err, history.ErrLockTimeout):
		return newAPIError(http.StatusServiceUnavailable, "index_busy", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func notFound(what, id string) huma.StatusError {
	return newAPIError(http.StatusNotFound, "not_found", what+" not found", map[string]any{"id": id})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authEnabled bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if authEnabled {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "bearer",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>RedInk History API</title>
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
  </body>
</html>`, specURL)
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

func registerHistory(api huma.API, store *history.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/history",
		Summary:       "Create a draft record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body CreateRecordResponse `json:"body"`
	}, error) {
		id, err := store.Create(ctx, input.Body.Title, input.Body.Outline, input.Body.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateRecordResponse `json:"body"`
		}{Body: CreateRecordResponse{RecordID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "List records",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Page     int    `query:"page" default:"1"`
		PageSize int    `query:"page_size" default:"20"`
		Status   string `query:"status" enum:"draft,generating,completed,error"`
	}) (*struct {
		Body history.ListResult `json:"body"`
	}, error) {
		res := store.List(ctx, history.ListOptions{
			Page:     input.Page,
			PageSize: input.PageSize,
			Status:   domain.Status(input.Status),
		})
		return &struct {
			Body history.ListResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-records",
		Method:      http.MethodGet,
		Path:        "/history/search",
		Summary:     "Search record titles",
	}, func(ctx context.Context, input *struct {
		Keyword string `query:"keyword" doc:"Case-insensitive substring of the title"`
	}) (*struct {
		Body SearchResponse `json:"body"`
	}, error) {
		return &struct {
			Body SearchResponse `json:"body"`
		}{Body: SearchResponse{Records: store.Search(ctx, input.Keyword)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-stats",
		Method:      http.MethodGet,
		Path:        "/history/stats",
		Summary:     "Count records by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body history.Statistics `json:"body"`
	}, error) {
		return &struct {
			Body history.Statistics `json:"body"`
		}{Body: store.Statistics(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/history/{record_id}",
		Summary:     "Get a record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		rec, ok := store.Get(ctx, input.RecordID)
		if !ok {
			return nil, notFound("record", input.RecordID)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-exists",
		Method:      http.MethodGet,
		Path:        "/history/{record_id}/exists",
		Summary:     "Check whether a record is indexed",
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body ExistsResponse `json:"body"`
	}, error) {
		return &struct {
			Body ExistsResponse `json:"body"`
		}{Body: ExistsResponse{Exists: store.Exists(ctx, input.RecordID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-record",
		Method:      http.MethodPatch,
		Path:        "/history/{record_id}",
		Summary:     "Update record fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string              `path:"record_id"`
		Body     UpdateRecordRequest `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		ok, err := store.Update(ctx, input.RecordID, input.Body.toUpdate())
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, notFound("record", input.RecordID)
		}
		return &struct {
			Body SuccessResponse `json:"body"`
		}{Body: SuccessResponse{Success: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-record",
		Method:        http.MethodDelete,
		Path:          "/history/{record_id}",
		Summary:       "Delete a record",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct{}, error) {
		ok, err := store.Delete(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, notFound("record", input.RecordID)
		}
		return &struct{}{}, nil
	})
}

func registerAdmin(api huma.API, cfg Config) {
	store, planner := cfg.Store, cfg.Planner

	huma.Register(api, huma.Operation{
		OperationID: "admin-history-stats",
		Method:      http.MethodGet,
		Path:        "/admin/history/stats",
		Summary:     "Artifact directory usage against the index",
		Tags:        []string{"admin"},
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HistoryStatsResponse `json:"body"`
	}, error) {
		snap, err := planner.Scanner.Scan(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryStatsResponse `json:"body"`
		}{Body: HistoryStatsResponse{Stats: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-history-cleanup",
		Method:      http.MethodPost,
		Path:        "/admin/history/cleanup",
		Summary:     "Select and optionally delete task directories",
		Description: "Runs as a dry run unless dry_run=false. Real deletions need confirm_delete_orphans=" +
			retention.ConfirmDeleteOrphans + " (orphan scope) or confirm_delete_any=" + retention.ConfirmDeleteAny + " (scope all).",
		Tags:   []string{"admin"},
		Errors: []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body retention.CleanupRequest `json:"body" required:"false"`
	}) (*struct {
		Body retention.CleanupResult `json:"body"`
	}, error) {
		if p, ok := principalFromContext(ctx); ok && !input.Body.IsDryRun() {
			cfg.Log.Info("destructive cleanup requested", "subject", p.Subject, "source", p.Source)
		}
		res, err := planner.Cleanup(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body retention.CleanupResult `json:"body"`
		}{Body: *res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-history-verify",
		Method:      http.MethodGet,
		Path:        "/admin/history/verify",
		Summary:     "Report drift between the index and record documents",
		Tags:        []string{"admin"},
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body history.DriftReport `json:"body"`
	}, error) {
		report, err := store.Verify(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body history.DriftReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-history-rebuild-index",
		Method:      http.MethodPost,
		Path:        "/admin/history/rebuild-index",
		Summary:     "Regenerate the index from record documents",
		Tags:        []string{"admin"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body history.RebuildReport `json:"body"`
	}, error) {
		report, err := store.RebuildIndex(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body history.RebuildReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-list-events",
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "List journal events, newest first",
		Tags:        []string{"admin"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"record,index,history"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if cfg.Events == nil {
			return nil, newAPIError(http.StatusNotFound, "journal_disabled", "the event journal is disabled", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := cfg.Events.List(ctx, events.Filter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
