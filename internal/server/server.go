package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"refinery/internal/bot"
	"refinery/internal/config"
	"refinery/internal/engine"
	"refinery/internal/parser"
	"refinery/internal/repo"
	"refinery/internal/zulip"
)

// Config for the HTTP handler: the admin API under BasePath plus the
// inbound chat webhook at /zulip.
type Config struct {
	Engine   *engine.Engine
	Bot      *bot.Bot
	App      *config.Config
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_active_batch"`
	Message string         `json:"message" example:"no active batch"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Refinery API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerZulipWebhook(router, cfg.Bot, cfg.App)
	registerHealth(group)
	registerBatch(group, cfg.Engine)
	registerVotes(group, cfg.Engine, cfg.App)
	registerVoters(group, cfg.Engine)
	registerEstimates(group, cfg.Engine)
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
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrNoActiveBatch):
		return newAPIError(http.StatusNotFound, "no_active_batch", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrBatchAlreadyActive):
		return newAPIError(http.StatusConflict, "batch_already_active", msg, nil)
	case errors.Is(err, engine.ErrNotFacilitator):
		return newAPIError(http.StatusForbidden, "not_facilitator", msg, nil)
	case errors.Is(err, engine.ErrUnknownVoter):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_voter", msg, nil)
	case errors.Is(err, engine.ErrItemResolutionFailed):
		return newAPIError(http.StatusUnprocessableEntity, "item_resolution_failed", msg, nil)
	case errors.Is(err, engine.ErrInvalidBatchCommand):
		return newAPIError(http.StatusConflict, "invalid_batch_command", msg, nil)
	case errors.Is(err, parser.ErrMalformedVote), errors.Is(err, parser.ErrInvalidPoint),
		errors.Is(err, parser.ErrDuplicateItem), errors.Is(err, parser.ErrTooManyItems):
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

// registerZulipWebhook handles Zulip's outgoing-webhook calls. The
// shared token is the only credential here; JWT does not apply.
func registerZulipWebhook(r chi.Router, b *bot.Bot, app *config.Config) {
	r.Post("/zulip", func(w http.ResponseWriter, req *http.Request) {
		var payload zulip.OutgoingPayload
		if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&payload); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil))
			return
		}
		if app.Zulip.WebhookToken == "" || payload.Token != app.Zulip.WebhookToken {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid webhook token", nil))
			return
		}
		reply := b.HandleMessage(req.Context(), payload.Message.SenderFullName, stripMention(payload.Message.Content, app.Zulip.BotName))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(zulip.BotResponse{Content: reply})
	})
}

// stripMention drops the leading @**bot** mention Zulip includes when
// the bot is addressed in a stream.
func stripMention(content, botName string) string {
	content = strings.TrimSpace(content)
	if botName == "" {
		return content
	}
	return strings.TrimSpace(strings.TrimPrefix(content, "@**"+botName+"**"))
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

func registerBatch(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-batch",
		Method:        http.MethodPost,
		Path:          "/batch",
		Summary:       "Start a voting batch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartBatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Issues) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issues is required", nil)
		}
		refs, err := parser.ParseBatchInput(strings.Join(input.Body.Issues, "\n"), 0)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.StartBatch(ctx, actorID, refs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-status",
		Method:      http.MethodGet,
		Path:        "/batch",
		Summary:     "Active batch status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-batch",
		Method:      http.MethodPost,
		Path:        "/batch/complete",
		Summary:     "Close voting and evaluate",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Evaluation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Complete(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Evaluation `json:"body"`
		}{Body: *ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-batch",
		Method:      http.MethodPost,
		Path:        "/batch/cancel",
		Summary:     "Cancel the active batch",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Cancel(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-discussion",
		Method:      http.MethodPost,
		Path:        "/batch/finish",
		Summary:     "Resolve discussion items",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body FinishRequest `json:"body"`
	}) (*struct {
		Body engine.Evaluation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Entries) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entries is required", nil)
		}
		entries := make([]parser.FinishEntry, len(input.Body.Entries))
		for i, en := range input.Body.Entries {
			entries[i] = parser.FinishEntry{Ref: en.Ref, Points: en.Points, Rationale: en.Rationale}
		}
		ev, err := e.FinishDiscussion(ctx, actorID, entries)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Evaluation `json:"body"`
		}{Body: *ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List recent batches",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body []BatchResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListBatches(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []BatchResponse{}
		for _, b := range items {
			resp = append(resp, batchResponse(b))
		}
		return &struct {
			Body []BatchResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerVotes(api huma.API, e *engine.Engine, app *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-votes",
		Method:      http.MethodPost,
		Path:        "/votes",
		Summary:     "Submit a complete vote set",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitVotesRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Entries) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entries is required", nil)
		}
		entries := make([]parser.VoteEntry, len(input.Body.Entries))
		for i, en := range input.Body.Entries {
			if !en.Abstain && !onScale(en.Points, app.Scale) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request",
					fmt.Sprintf("%d not in scale %v", en.Points, app.Scale), map[string]any{"ref": en.Ref})
			}
			entries[i] = parser.VoteEntry{Ref: en.Ref, Points: en.Points, Abstain: en.Abstain}
		}
		res, err := e.SubmitVotes(ctx, actorID, input.Body.OnBehalfOf, entries)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: voteResponse(res)}, nil
	})
}

func onScale(p int, scale []int) bool {
	for _, s := range scale {
		if p == s {
			return true
		}
	}
	return false
}

func registerVoters(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-voters",
		Method:      http.MethodPost,
		Path:        "/voters",
		Summary:     "Add voters to the roster",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body VotersRequest `json:"body"`
	}) (*struct {
		Body []engine.VoterOutcome `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Names) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "names is required", nil)
		}
		outcomes, err := e.AddVoters(ctx, actorID, input.Body.Names)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.VoterOutcome `json:"body"`
		}{Body: outcomes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-voters",
		Method:      http.MethodPost,
		Path:        "/voters/remove",
		Summary:     "Remove voters from the roster",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body VotersRequest `json:"body"`
	}) (*struct {
		Body RemoveVotersResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Names) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "names is required", nil)
		}
		outcomes, ev, err := e.RemoveVoters(ctx, actorID, input.Body.Names)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemoveVotersResponse `json:"body"`
		}{Body: RemoveVotersResponse{Outcomes: outcomes, Evaluation: ev}}, nil
	})
}

func registerEstimates(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "batch-estimates",
		Method:      http.MethodGet,
		Path:        "/batches/{public_id}/estimates",
		Summary:     "Final estimates of a batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PublicID string `path:"public_id"`
	}) (*struct {
		Body []EstimateResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatchByPublicID(ctx, input.PublicID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListFinalEstimates(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []EstimateResponse{}
		for _, fe := range items {
			resp = append(resp, estimateResponse(fe))
		}
		return &struct {
			Body []EstimateResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit   int    `query:"limit" default:"50"`
		BatchID int64  `query:"batch_id"`
		Type    string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.BatchID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []EventResponse{}
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>Refinery API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
