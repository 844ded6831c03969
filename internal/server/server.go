// Package server exposes a read-only HTTP view of the run registry
// and scheduler state. Mutations stay on the CLI, where the
// interactive confirmations live.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"simrun/internal/domain"
	"simrun/internal/engine"
	"simrun/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"run not found"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the run manager API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Simrun API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Engine)
	registerStatus(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error())
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

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		reg, err := e.Repo.LoadAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		runs := make([]domain.Run, 0, len(reg))
		for _, id := range reg.IDs() {
			runs = append(runs, reg[id])
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})

	type runPath struct {
		ID int `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.Repo.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Currently running jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RunningJob `json:"body"`
	}, error) {
		jobs, err := e.Running(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RunningJob `json:"body"`
		}{Body: jobs}, nil
	})
}
