package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/diff"
	"github.com/patjackson52/hilt/internal/review"
	"github.com/patjackson52/hilt/internal/store"
)

type Handler struct {
	Service *review.Service
	Store   store.Store
	Log     *zap.Logger
}

type blockPayload struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Text     string          `json:"text,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Editable bool            `json:"editable"`
}

func (b blockPayload) toBlock() diff.Block {
	return diff.Block{
		ID:       b.ID,
		Kind:     diff.BlockKind(b.Kind),
		Text:     b.Text,
		Value:    b.Value,
		Editable: b.Editable,
	}
}

func toBlocks(in []blockPayload) []diff.Block {
	out := make([]diff.Block, 0, len(in))
	for _, b := range in {
		out = append(out, b.toBlock())
	}
	return out
}

type createTaskRequest struct {
	SourceID    string          `json:"source_id"`
	Blocks      []blockPayload  `json:"blocks"`
	Priority    int             `json:"priority"`
	RiskLevel   string          `json:"risk_level"`
	RiskWarning *string         `json:"risk_warning,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type taskResponse struct {
	TaskID         string          `json:"task_id"`
	SourceID       string          `json:"source_id"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	RiskLevel      string          `json:"risk_level,omitempty"`
	RiskWarning    *string         `json:"risk_warning,omitempty"`
	BlocksOriginal json.RawMessage `json:"blocks_original"`
	BlocksWorking  json.RawMessage `json:"blocks_working"`
	BlocksFinal    json.RawMessage `json:"blocks_final,omitempty"`
	Diff           json.RawMessage `json:"diff,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	ArchivedAt     *string         `json:"archived_at,omitempty"`
}

func toTaskResponse(task store.TaskRecord) taskResponse {
	return taskResponse{
		TaskID:         task.TaskID,
		SourceID:       task.SourceID,
		Status:         task.Status,
		Priority:       task.Priority,
		RiskLevel:      task.RiskLevel,
		RiskWarning:    task.RiskWarning,
		BlocksOriginal: json.RawMessage(task.BlocksOriginal),
		BlocksWorking:  json.RawMessage(task.BlocksWorking),
		BlocksFinal:    json.RawMessage(task.BlocksFinal),
		Diff:           json.RawMessage(task.DiffJSON),
		Metadata:       json.RawMessage(task.MetadataJSON),
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
		ArchivedAt:     task.ArchivedAt,
	}
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	task, err := h.Service.CreateTask(review.CreateTaskInput{
		SourceID:    req.SourceID,
		Blocks:      toBlocks(req.Blocks),
		Priority:    req.Priority,
		RiskLevel:   req.RiskLevel,
		RiskWarning: req.RiskWarning,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

type updateBlocksRequest struct {
	Blocks []blockPayload `json:"blocks"`
}

func (h *Handler) UpdateBlocks(w http.ResponseWriter, r *http.Request) {
	var req updateBlocksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	task, err := h.Service.UpdateWorkingBlocks(chi.URLParam(r, "taskID"), toBlocks(req.Blocks))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

type decisionRequest struct {
	Decision string  `json:"decision"`
	Reason   *string `json:"reason,omitempty"`
	Actor    *string `json:"actor,omitempty"`
}

func (h *Handler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	task, err := h.Service.SubmitDecision(chi.URLParam(r, "taskID"), review.DecisionKind(req.Decision), req.Reason, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, review.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, review.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, review.ErrInvalidState):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
