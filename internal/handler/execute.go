package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/sandbox-executor/internal/executor"
	"github.com/sakif/sandbox-executor/internal/language"
	"github.com/sakif/sandbox-executor/internal/model"
)

// ExecutionService is the part of service.ExecutionService the handlers use.
type ExecutionService interface {
	Submit(ctx context.Context, req executor.ExecutionRequest) (*model.Execution, error)
	Get(ctx context.Context, id string) (*model.Execution, error)
	Languages() []language.Profile
}

// ExecuteHandler handles code execution requests.
type ExecuteHandler struct {
	svc    ExecutionService
	logger *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(svc ExecutionService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		svc:    svc,
		logger: logger,
	}
}

type acceptedResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

type languageResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Image        string   `json:"image"`
	EntryFile    string   `json:"entry_file"`
	Extensions   []string `json:"extensions"`
	Compiled     bool     `json:"compiled"`
	BuildNetwork bool     `json:"build_network"`
	RunNetwork   bool     `json:"run_network"`
}

// HandleExecute queues an execution and acknowledges it without waiting for
// the result.
// POST /execute
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executor.ExecutionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	exec, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ExecutionID: exec.ID,
		Status:      "accepted",
	})
}

// HandleGet returns the lifecycle record of one execution.
// GET /executions/{id}
func (h *ExecuteHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleLanguages lists the supported languages.
// GET /languages
func (h *ExecuteHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	profiles := h.svc.Languages()
	out := make([]languageResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, languageResponse{
			ID:           p.ID,
			Name:         p.Name,
			Image:        p.Image,
			EntryFile:    p.EntryFile,
			Extensions:   p.Extensions,
			Compiled:     p.Compiled(),
			BuildNetwork: p.BuildNetwork,
			RunNetwork:   p.RunNetwork,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
