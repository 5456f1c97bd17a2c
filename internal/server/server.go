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
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"projectops/internal/config"
	"projectops/internal/domain"
	"projectops/internal/engine"
	"projectops/internal/repo"
	"projectops/internal/tenant"
)

// Config for the HTTP API handler.
type Config struct {
	Engine          engine.Engine
	BasePath        string
	Auth            AuthConfig
	Logger          zerolog.Logger
	DisableNotifier bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"transition draft -> approved not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Projectops API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Projectops API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	resolver := tenant.Resolver{Repo: cfg.Engine.Repo}

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenants(group, cfg.Engine, resolver)
	registerItems(group, cfg.Engine, resolver)
	registerReviews(group, cfg.Engine, resolver)
	registerRules(group, cfg.Engine, resolver)
	registerAudit(group, cfg.Engine, resolver)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	if !cfg.DisableNotifier {
		startNotifier(cfg.Engine, cfg.Logger)
	}

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
	var ade tenant.AccessDeniedError
	if errors.As(err, &ade) {
		details := map[string]any{"tenant_id": ade.TenantID}
		if ade.Capability != "" {
			details["capability"] = ade.Capability
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	}
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"from": ite.From, "to": ite.To})
	}
	var nre engine.NotReviewableError
	if errors.As(err, &nre) {
		return newAPIError(http.StatusUnprocessableEntity, "not_reviewable", err.Error(), map[string]any{"status": nre.Status})
	}
	var ure engine.UnknownReviewerError
	if errors.As(err, &ure) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_reviewer", err.Error(), map[string]any{"item_id": ure.ItemID, "reviewer_id": ure.ReviewerID})
	}
	switch {
	case errors.Is(err, tenant.ErrNoTenantSelected):
		return newAPIError(http.StatusBadRequest, "no_tenant_selected", err.Error(), nil)
	case errors.Is(err, tenant.ErrTenantInactive):
		return newAPIError(http.StatusConflict, "tenant_inactive", err.Error(), nil)
	case errors.Is(err, engine.ErrItemArchived):
		return newAPIError(http.StatusConflict, "item_archived", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// requestedTenant maps the path placeholder to the resolver's notion
// of "requested": "-" means no explicit tenant and falls back to the
// X-Tenant-Id header, then to the caller's single membership.
func requestedTenant(ctx context.Context, pathTenant string) string {
	if pathTenant != "" && pathTenant != "-" {
		return pathTenant
	}
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok {
		return strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
	}
	return ""
}

type tenantContext struct {
	Principal tenant.Principal
	Tenant    domain.Tenant
	Config    *config.Config
}

// resolveTenant establishes the tenant context for a request: the
// authenticated principal, the resolved tenant and its current config.
func resolveTenant(ctx context.Context, e engine.Engine, resolver tenant.Resolver, pathTenant string) (tenantContext, error) {
	principal, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return tenantContext{}, authErr
	}
	t, err := resolver.Resolve(ctx, principal, requestedTenant(ctx, pathTenant))
	if err != nil {
		return tenantContext{}, err
	}
	cfg, err := e.Repo.GetTenantConfig(ctx, t.ID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return tenantContext{}, err
		}
		cfg = config.Default(t.ID)
	}
	return tenantContext{Principal: principal, Tenant: t, Config: cfg}, nil
}

func requireCapability(ctx context.Context, resolver tenant.Resolver, tc tenantContext, capability string) error {
	return resolver.RequireCapability(ctx, tc.Principal, tc.Config, tc.Tenant.ID, capability)
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
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Projectops API Docs</title>
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

func registerTenants(api huma.API, e engine.Engine, resolver tenant.Resolver) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create tenant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTenantRequest `json:"body"`
	}) (*struct {
		Body domain.Tenant `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var cfg *config.Config
		if input.Body.ConfigYAML != "" {
			parsed, err := config.FromYAMLForTenant([]byte(input.Body.ConfigYAML), input.Body.ID)
			if err != nil {
				return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_config", err.Error(), nil)
			}
			cfg = parsed
		}
		t, err := e.CreateTenant(ctx, engine.TenantCreateOptions{
			ID:      input.Body.ID,
			Name:    input.Body.Name,
			Config:  cfg,
			ActorID: principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Tenant `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List tenants visible to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Tenant `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var tenants []domain.Tenant
		if principal.Superuser {
			all, err := e.Repo.ListTenants(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			tenants = all
		} else {
			memberships, err := e.Repo.UserMemberships(ctx, principal.UserID)
			if err != nil {
				return nil, handleError(err)
			}
			for _, m := range memberships {
				t, err := e.Repo.GetTenant(ctx, m.TenantID)
				if err != nil {
					continue
				}
				tenants = append(tenants, t)
			}
		}
		return &struct {
			Body []domain.Tenant `json:"body"`
		}{Body: tenants}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tenant-status",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/status",
		Summary:     "Tenant summary with item counts",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body TenantStatusSummary `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.read"); err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountItemsByStatus(ctx, tc.Tenant.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantStatusSummary `json:"body"`
		}{Body: TenantStatusSummary{Tenant: tc.Tenant, ItemCounts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-tenant-status",
		Method:      http.MethodPatch,
		Path:        "/tenants/{tenant_id}",
		Summary:     "Activate, suspend or archive a tenant",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string                 `path:"tenant_id"`
		Body     SetTenantStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Tenant `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// Status changes apply to inactive tenants too, so resolve by
		// membership directly instead of through the resolver.
		if !principal.Superuser {
			role, err := e.Repo.MembershipRole(ctx, input.TenantID, principal.UserID)
			if err != nil || role != "admin" {
				return nil, handleError(tenant.AccessDeniedError{TenantID: input.TenantID, Capability: "tenant.manage"})
			}
		}
		t, err := e.SetTenantStatus(ctx, input.TenantID, input.Body.Status, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Tenant `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-config",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Get tenant workflow config",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "tenant.manage"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *tc.Config}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-tenant-config",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Replace tenant workflow config",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TenantID string        `path:"tenant_id"`
		Body     config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "tenant.manage"); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		cfg.Tenant.ID = tc.Tenant.ID
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_config", err.Error(), nil)
		}
		if err := e.Repo.UpsertTenantConfig(ctx, tc.Tenant.ID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/members",
		Summary:       "Add or update a tenant member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string           `path:"tenant_id"`
		Body     AddMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "tenant.manage"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if err := e.AddMember(ctx, tc.Tenant.ID, input.Body.UserID, input.Body.Role, tc.Principal.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: domain.Membership{TenantID: tc.Tenant.ID, UserID: input.Body.UserID, Role: input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/members",
		Summary:     "List tenant members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body []domain.Membership `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "tenant.manage"); err != nil {
			return nil, handleError(err)
		}
		members, err := e.Repo.ListMemberships(ctx, tc.Tenant.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Membership `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-member",
		Method:      http.MethodDelete,
		Path:        "/tenants/{tenant_id}/members/{user_id}",
		Summary:     "Remove a tenant member",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		UserID   string `path:"user_id"`
	}) (*struct{}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "tenant.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveMember(ctx, tc.Tenant.ID, input.UserID, tc.Principal.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerItems(api huma.API, e engine.Engine, resolver tenant.Resolver) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		Body     CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.write"); err != nil {
			return nil, handleError(err)
		}
		it, err := e.CreateItem(ctx, engine.ItemCreateOptions{
			ID:          input.Body.ID,
			TenantID:    tc.Tenant.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			OwnerID:     input.Body.OwnerID,
			ActorID:     tc.Principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID        string `path:"tenant_id"`
		Status          string `query:"status"`
		Owner           string `query:"owner"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{
			TenantID:        tc.Tenant.ID,
			Status:          input.Status,
			OwnerID:         input.Owner,
			IncludeArchived: input.IncludeArchived,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/items/{item_id}",
		Summary:     "Get work item with assignments and comments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ItemID   string `path:"item_id"`
	}) (*struct {
		Body ItemDetail `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.read"); err != nil {
			return nil, handleError(err)
		}
		it, err := e.Repo.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		if it.TenantID != tc.Tenant.ID {
			return nil, handleError(repo.ErrNotFound)
		}
		assignments, err := e.Repo.ListAssignments(ctx, it.ID)
		if err != nil {
			return nil, handleError(err)
		}
		comments, err := e.Repo.ListComments(ctx, it.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemDetail `json:"body"`
		}{Body: itemDetail(it, assignments, comments)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-item",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/items/{item_id}/archive",
		Summary:     "Archive work item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ItemID   string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.write"); err != nil {
			return nil, handleError(err)
		}
		it, err := e.ArchiveItem(ctx, tc.Tenant.ID, input.ItemID, tc.Principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-item",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/items/{item_id}/transition",
		Summary:     "Move work item to a new status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		ItemID   string            `path:"item_id"`
		Body     TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.transition"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Target == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil)
		}
		it, err := e.Transition(ctx, engine.TransitionOptions{
			TenantID: tc.Tenant.ID,
			ItemID:   input.ItemID,
			Target:   input.Body.Target,
			ActorID:  tc.Principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/items/{item_id}/comments",
		Summary:       "Comment on a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TenantID string         `path:"tenant_id"`
		ItemID   string         `path:"item_id"`
		Body     CommentRequest `json:"body"`
	}) (*struct {
		Body domain.Comment `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.read"); err != nil {
			return nil, handleError(err)
		}
		c, err := e.AddComment(ctx, tc.Tenant.ID, input.ItemID, tc.Principal.UserID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Comment `json:"body"`
		}{Body: c}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine, resolver tenant.Resolver) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-reviewer",
		Method:        http.MethodPut,
		Path:          "/tenants/{tenant_id}/items/{item_id}/reviewers",
		Summary:       "Assign a reviewer",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TenantID string                `path:"tenant_id"`
		ItemID   string                `path:"item_id"`
		Body     AssignReviewerRequest `json:"body"`
	}) (*struct{}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "reviewer.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.AssignReviewer(ctx, tc.Tenant.ID, input.ItemID, input.Body.ReviewerID, tc.Principal.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unassign-reviewer",
		Method:        http.MethodDelete,
		Path:          "/tenants/{tenant_id}/items/{item_id}/reviewers/{reviewer_id}",
		Summary:       "Remove a reviewer assignment",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		ItemID     string `path:"item_id"`
		ReviewerID string `path:"reviewer_id"`
	}) (*struct{}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "reviewer.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.UnassignReviewer(ctx, tc.Tenant.ID, input.ItemID, input.ReviewerID, tc.Principal.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-decision",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/items/{item_id}/decision",
		Summary:     "Record the caller's approval decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string          `path:"tenant_id"`
		ItemID   string          `path:"item_id"`
		Body     DecisionRequest `json:"body"`
	}) (*struct {
		Body engine.DecisionResult `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.review"); err != nil {
			return nil, handleError(err)
		}
		res, err := e.RecordDecision(ctx, engine.DecisionOptions{
			TenantID:   tc.Tenant.ID,
			ItemID:     input.ItemID,
			ReviewerID: tc.Principal.UserID,
			Decision:   input.Body.Decision,
			Note:       input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-status",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/items/{item_id}/approval",
		Summary:     "Approval aggregate for a work item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ItemID   string `path:"item_id"`
	}) (*struct {
		Body engine.ApprovalStatus `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.read"); err != nil {
			return nil, handleError(err)
		}
		status, err := e.ApprovalStatus(ctx, tc.Tenant.ID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ApprovalStatus `json:"body"`
		}{Body: status}, nil
	})
}

func registerRules(api huma.API, e engine.Engine, resolver tenant.Resolver) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/rules",
		Summary:     "List transition rules",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body []domain.TransitionRule `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "item.read"); err != nil {
			return nil, handleError(err)
		}
		rules, err := e.Repo.ListRules(ctx, tc.Tenant.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionRule `json:"body"`
		}{Body: rules}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/rules",
		Summary:     "Enable or disable a transition rule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string         `path:"tenant_id"`
		Body     SetRuleRequest `json:"body"`
	}) (*struct {
		Body domain.TransitionRule `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "rule.manage"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.From == "" || input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and to are required", nil)
		}
		enabled := true
		if input.Body.Enabled != nil {
			enabled = *input.Body.Enabled
		}
		rule := domain.TransitionRule{TenantID: tc.Tenant.ID, From: input.Body.From, To: input.Body.To, Enabled: enabled}
		if err := e.SetRule(ctx, rule, tc.Principal.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-rule",
		Method:        http.MethodDelete,
		Path:          "/tenants/{tenant_id}/rules/{from}/{to}",
		Summary:       "Remove a transition rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		From     string `path:"from"`
		To       string `path:"to"`
	}) (*struct{}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "rule.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveRule(ctx, tc.Tenant.ID, input.From, input.To, tc.Principal.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine, resolver tenant.Resolver) {
	huma.Register(api, huma.Operation{
		OperationID: "tenant-audit-log",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/audit",
		Summary:     "Tenant audit trail, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		Action     string `query:"action"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Actor      string `query:"actor"`
		BeforeID   int64  `query:"before_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		tc, err := resolveTenant(ctx, e, resolver, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireCapability(ctx, resolver, tc, "audit.read"); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.LatestEntries(ctx, repo.AuditFilters{
			TenantID:   tc.Tenant.ID,
			Action:     input.Action,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ActorID:    input.Actor,
			BeforeID:   input.BeforeID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Caller identity and memberships",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			UserID      string              `json:"user_id"`
			Superuser   bool                `json:"superuser"`
			Memberships []domain.Membership `json:"memberships,omitempty"`
		} `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		memberships, err := e.Repo.UserMemberships(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				UserID      string              `json:"user_id"`
				Superuser   bool                `json:"superuser"`
				Memberships []domain.Membership `json:"memberships,omitempty"`
			} `json:"body"`
		}{}
		out.Body.UserID = principal.UserID
		out.Body.Superuser = principal.Superuser
		out.Body.Memberships = memberships
		return out, nil
	})
}

func registerDevAuth(api huma.API, auth AuthConfig) {
	if !auth.EnableDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development JWT",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		ttl := input.Body.TTLHours
		if ttl <= 0 {
			ttl = 12
		}
		now := time.Now()
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   input.Body.UserID,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Hour)),
			},
			Superuser: input.Body.Superuser,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(auth.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
