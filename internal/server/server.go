package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fieldline/internal/dispatch"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/geo"
	"fieldline/internal/repo"
	"fieldline/internal/search"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"mission not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fieldline API.
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerLeads(group, cfg.Engine)
	registerProperties(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerGeometry(group, cfg.Engine)
	registerDispatch(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, cfg.Auth.logger())

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, geo.ErrInvalidCoordinate) {
		return newAPIError(http.StatusBadRequest, "invalid_coordinate", err.Error(), nil)
	}
	if errors.Is(err, dispatch.ErrNothingToSubmit) {
		return newAPIError(http.StatusUnprocessableEntity, "nothing_to_submit", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "duplicate"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
    <title>Fieldline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.MissionStatusCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		agents, err := e.ListAgents(ctx, "available")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"workspace_id":     e.Config.Workspace.ID,
			"mission_counts":   counts,
			"available_agents": len(agents),
		}}, nil
	})
}

func registerLeads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Create lead",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateLeadRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		l, err := e.CreateLead(ctx, engine.LeadOptions{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Phone:      input.Body.Phone,
			Email:      input.Body.Email,
			Address:    input.Body.Address,
			Location:   input.Body.Location,
			Priority:   input.Body.Priority,
			SafetyFlag: input.Body.SafetyFlag,
			Value:      input.Body.Value,
			Status:     input.Body.Status,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
	}, func(ctx context.Context, input *struct {
		Limit           int    `query:"limit" default:"50"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.Lead `json:"body"`
	}, error) {
		items, err := e.ListLeads(ctx, input.Limit, input.CursorCreatedAt, input.CursorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Lead `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-leads",
		Method:      http.MethodGet,
		Path:        "/leads/search",
		Summary:     "Search leads",
		Description: "Filters combine conjunctively. Empty filter values are ignored.",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Priority string `query:"priority"`
		Safety   string `query:"safety"`
		MinValue string `query:"min_value"`
		Q        string `query:"q"`
		Page     string `query:"page"`
		PageSize string `query:"page_size"`
	}) (*struct {
		Body struct {
			Query string        `json:"query"`
			Items []domain.Lead `json:"items"`
		} `json:"body"`
	}, error) {
		q := search.QueryFromMap(map[string]string{
			"status":    input.Status,
			"priority":  input.Priority,
			"safety":    input.Safety,
			"min_value": input.MinValue,
			"q":         input.Q,
			"page":      input.Page,
			"page_size": input.PageSize,
		})
		items, err := e.SearchLeads(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Query string        `json:"query"`
				Items []domain.Lead `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Query = q.Encode()
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-heatmap",
		Method:      http.MethodGet,
		Path:        "/leads/heatmap",
		Summary:     "Lead density surface",
		Description: "Weighted points for the heat-map overlay; intensity is log(value+1).",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []geo.DensityPoint `json:"body"`
	}, error) {
		pts, err := e.HeatmapPoints(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []geo.DensityPoint `json:"body"`
		}{Body: pts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}",
		Summary:     "Get lead",
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		l, err := e.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead",
		Method:      http.MethodPatch,
		Path:        "/leads/{lead_id}",
		Summary:     "Update lead",
	}, func(ctx context.Context, input *struct {
		LeadID string            `path:"lead_id"`
		Body   UpdateLeadRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.UpdateLead(ctx, engine.LeadOptions{
			ID:         input.LeadID,
			Name:       input.Body.Name,
			Phone:      input.Body.Phone,
			Email:      input.Body.Email,
			Address:    input.Body.Address,
			Location:   input.Body.Location,
			Priority:   input.Body.Priority,
			SafetyFlag: input.Body.SafetyFlag,
			Value:      input.Body.Value,
			Status:     input.Body.Status,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-lead",
		Method:      http.MethodDelete,
		Path:        "/leads/{lead_id}",
		Summary:     "Delete lead",
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteLead(ctx, input.LeadID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProperties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-property",
		Method:        http.MethodPost,
		Path:          "/properties",
		Summary:       "Create property",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreatePropertyRequest `json:"body"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProperty(ctx, engine.PropertyOptions{
			ID:       input.Body.ID,
			LeadID:   input.Body.LeadID,
			Address:  input.Body.Address,
			Location: input.Body.Location,
			Kind:     input.Body.Kind,
			Notes:    input.Body.Notes,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-properties",
		Method:      http.MethodGet,
		Path:        "/properties",
		Summary:     "List properties",
	}, func(ctx context.Context, input *struct {
		LeadID string `query:"lead_id"`
	}) (*struct {
		Body []domain.Property `json:"body"`
	}, error) {
		items, err := e.ListProperties(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Property `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-property",
		Method:      http.MethodGet,
		Path:        "/properties/{property_id}",
		Summary:     "Get property",
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		p, err := e.GetProperty(ctx, input.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-property",
		Method:      http.MethodPatch,
		Path:        "/properties/{property_id}",
		Summary:     "Update property",
	}, func(ctx context.Context, input *struct {
		PropertyID string                `path:"property_id"`
		Body       UpdatePropertyRequest `json:"body"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProperty(ctx, engine.PropertyOptions{
			ID:       input.PropertyID,
			LeadID:   input.Body.LeadID,
			Address:  input.Body.Address,
			Location: input.Body.Location,
			Kind:     input.Body.Kind,
			Notes:    input.Body.Notes,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-property",
		Method:      http.MethodDelete,
		Path:        "/properties/{property_id}",
		Summary:     "Delete property",
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProperty(ctx, input.PropertyID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAgent(ctx, engine.AgentOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Status:      input.Body.Status,
			Location:    input.Body.Location,
			SuccessRate: input.Body.SuccessRate,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",available,busy,offline"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.ListAgents(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "nearest-agents",
		Method:      http.MethodGet,
		Path:        "/agents/nearest",
		Summary:     "Rank available agents by distance",
		Description: "Agents lacking a location sort last. Ties break by active-mission count, then ID.",
	}, func(ctx context.Context, input *struct {
		Lat   float64 `query:"lat" required:"true"`
		Lng   float64 `query:"lng" required:"true"`
		Limit int     `query:"limit"`
	}) (*struct {
		Body []dispatch.RankedAgent `json:"body"`
	}, error) {
		ranked, err := e.NearestAgents(ctx, geo.Point{Lat: input.Lat, Lng: input.Lng}, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []dispatch.RankedAgent `json:"body"`
		}{Body: ranked}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent",
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateAgent(ctx, engine.AgentOptions{
			ID:          input.AgentID,
			Name:        input.Body.Name,
			Status:      input.Body.Status,
			Location:    input.Body.Location,
			SuccessRate: input.Body.SuccessRate,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}",
		Summary:     "Delete agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAgent(ctx, input.AgentID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerGeometry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "radius-circle",
		Method:      http.MethodGet,
		Path:        "/geometry/circle",
		Summary:     "Radius-search ring",
		Description: "Closed polygon approximating a geodesic circle; consumed by the map overlay.",
	}, func(ctx context.Context, input *struct {
		Lat      float64 `query:"lat" required:"true"`
		Lng      float64 `query:"lng" required:"true"`
		Radius   float64 `query:"radius"`
		Segments int     `query:"segments"`
	}) (*struct {
		Body geo.RadiusCircle `json:"body"`
	}, error) {
		ring, err := e.RadiusOverlay(geo.Point{Lat: input.Lat, Lng: input.Lng}, input.Radius, input.Segments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body geo.RadiusCircle `json:"body"`
		}{Body: ring}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "distance",
		Method:      http.MethodGet,
		Path:        "/geometry/distance",
		Summary:     "Great-circle distance",
	}, func(ctx context.Context, input *struct {
		FromLat float64 `query:"from_lat" required:"true"`
		FromLng float64 `query:"from_lng" required:"true"`
		ToLat   float64 `query:"to_lat" required:"true"`
		ToLng   float64 `query:"to_lng" required:"true"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		unit := e.Unit()
		d, err := geo.Distance(geo.Point{Lat: input.FromLat, Lng: input.FromLng}, geo.Point{Lat: input.ToLat, Lng: input.ToLng}, unit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"distance": d, "unit": string(unit)}}, nil
	})
}

func registerDispatch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "dispatch",
		Method:        http.MethodPost,
		Path:          "/dispatch",
		Summary:       "Submit a dispatch batch",
		Description:   "Resolves drafts plus bulk actions into missions. Rejected targets are reported, not silently dropped.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*struct {
		Body engine.DispatchResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DispatchBatch(ctx, engine.DispatchOptions{
			TargetIDs: input.Body.TargetIDs,
			Drafts:    input.Body.Drafts,
			Bulk:      input.Body.Bulk,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DispatchResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		AgentID         string `query:"agent_id"`
		Status          string `query:"status" enum:",new,accepted,paused,completed,declined,declined_safety"`
		Limit           int    `query:"limit" default:"50"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		items, err := e.ListMissions(ctx, input.AgentID, input.Status, input.Limit, input.CursorCreatedAt, input.CursorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-mission-status",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/status",
		Summary:     "Apply a mission lifecycle transition",
		Description: "Unlisted transitions are rejected with 409. Declines and pauses are gated by the mission capability flags.",
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      MissionStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SetMissionStatus(ctx, input.MissionID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Limit  int   `query:"limit" default:"50"`
		Before int64 `query:"before"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, input.Limit, input.Before)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
