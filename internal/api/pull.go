package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/patjackson52/hilt/internal/store"
)

// Pull-mode delivery: sources that fetch rather than receive pushes read
// their undelivered events here and ack them directly. An ack marks the
// event delivered without involving the dispatcher, and does not advance the
// task to dispatched.

// maxPullLimit bounds a single pull-feed page.
const maxPullLimit = 100

type eventResponse struct {
	EventID      string          `json:"event_id"`
	TaskID       string          `json:"task_id"`
	SourceID     string          `json:"source_id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    string          `json:"created_at"`
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	src, ok := h.Store.GetSource(sourceID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "source not found"})
		return
	}
	if src.DeliveryMode == store.DeliveryPush {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source is not pull-enabled"})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if parsed > maxPullLimit {
			parsed = maxPullLimit
		}
		limit = parsed
	}

	events, err := h.Store.ListUndeliveredBySource(sourceID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			EventID:      ev.EventID,
			TaskID:       ev.TaskID,
			SourceID:     ev.SourceID,
			Kind:         ev.Kind,
			Payload:      json.RawMessage(ev.PayloadJSON),
			AttemptCount: ev.AttemptCount,
			CreatedAt:    ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// AckEvent marks an event delivered. Acking an already-delivered event is a
// no-op: delivered stays true and the attempt counter is untouched.
func (h *Handler) AckEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var acked store.EventRecord
	err := h.Store.WithTx(func(tx store.Tx) error {
		ev, ok := tx.GetEvent(eventID)
		if !ok {
			return nil
		}
		if !ev.Delivered {
			ev.Delivered = true
			if err := tx.PutEvent(ev); err != nil {
				return err
			}
		}
		acked = ev
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if acked.EventID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": acked.EventID, "delivered": true})
}
