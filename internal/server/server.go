package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"vaultline/internal/dispatch"
	"vaultline/internal/engine"
	"vaultline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Reconciler *dispatch.Reconciler
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_authorized"`
	Message string         `json:"message" example:"not authorized"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Vaultline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Vaultline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRequests(group, cfg.Engine)
	registerAccounts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Reconciler != nil {
		registerDispatch(group, cfg.Engine, cfg.Reconciler)
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
	switch {
	case errors.Is(err, engine.ErrNotAuthorized):
		return newAPIError(http.StatusForbidden, "not_authorized", "not authorized", nil)
	case errors.Is(err, engine.ErrNoSuchEntity):
		return newAPIError(http.StatusNotFound, "no_such_entity", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRequestType):
		return newAPIError(http.StatusBadRequest, "invalid_request_type", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "not_authorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireOperator(ctx context.Context, e engine.Engine) (string, huma.StatusError) {
	agentID, authErr := agentIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil || !agent.IsOperator() {
		return "", newAPIError(http.StatusForbidden, "not_authorized", "not authorized", nil)
	}
	return agentID, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			} `json:"body"`
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests/{ieid}/{type}",
		Summary:       "Submit a package request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IEID string `path:"ieid"`
		Type string `path:"type"`
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Enqueue(ctx, agentID, input.Type, input.IEID)
		if err != nil {
			return nil, handleError(err)
		}
		if res.Duplicate {
			return nil, newAPIError(http.StatusConflict, "duplicate",
				"a request of this type is already enqueued for this entity", nil)
		}
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: EnqueueResponse{RequestID: res.RequestID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{ieid}/{type}",
		Summary:     "Get the pending request for an entity and type",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IEID string `path:"ieid"`
		Type string `path:"type"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Query(ctx, agentID, input.IEID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-request",
		Method:        http.MethodDelete,
		Path:          "/requests/{ieid}/{type}",
		Summary:       "Cancel the pending request for an entity and type",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IEID string `path:"ieid"`
		Type string `path:"type"`
	}) (*struct{}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, agentID, input.IEID, input.Type); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "approve-request",
		Method:        http.MethodPost,
		Path:          "/requests/{ieid}/{type}/approve",
		Summary:       "Approve a pending withdrawal request",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IEID string `path:"ieid"`
		Type string `path:"type"`
	}) (*struct{}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Query(ctx, agentID, input.IEID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Approve(ctx, req.ID, agentID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-requests",
		Method:      http.MethodGet,
		Path:        "/requests/{ieid}",
		Summary:     "List all requests for an entity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IEID string `path:"ieid"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.QueryIEID(ctx, agentID, input.IEID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-requests-batch",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit one request type for many entities",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body BatchSubmitRequest `json:"body"`
	}) (*struct {
		Body BatchSubmitResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out := BatchSubmitResponse{
			Created:       []string{},
			AlreadyExist:  []string{},
			NotAuthorized: []string{},
			Unknown:       []string{},
		}
		for _, ieid := range input.Body.IEIDs {
			res, err := e.Enqueue(ctx, agentID, input.Body.Type, ieid)
			switch {
			case errors.Is(err, engine.ErrInvalidRequestType):
				return nil, handleError(err)
			case errors.Is(err, engine.ErrNotAuthorized):
				out.NotAuthorized = append(out.NotAuthorized, ieid)
			case errors.Is(err, engine.ErrNoSuchEntity):
				out.Unknown = append(out.Unknown, ieid)
			case err != nil:
				return nil, handleError(err)
			case res.Duplicate:
				out.AlreadyExist = append(out.AlreadyExist, ieid)
			default:
				out.Created = append(out.Created, ieid)
			}
		}
		return &struct {
			Body BatchSubmitResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-account-requests",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/requests",
		Summary:     "List an account's requests grouped by ieid",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body AccountRequestsResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.QueryAccount(ctx, agentID, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountRequestsResponse `json:"body"`
		}{Body: AccountRequestsResponse{
			Account:  input.Account,
			Requests: groupByIEID(items),
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit trail",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"20"`
		Type  string `query:"type"`
		IEID  string `query:"ieid"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := requireOperator(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.IEID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerDispatch(api huma.API, e engine.Engine, rec *dispatch.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "run-dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch/run",
		Summary:     "Reconcile authorized pending requests into work items",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body dispatch.Result `json:"body"`
	}, error) {
		if _, authErr := requireOperator(ctx, e); authErr != nil {
			return nil, authErr
		}
		result, err := rec.Run(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dispatch.Result `json:"body"`
		}{Body: result}, nil
	})
}
