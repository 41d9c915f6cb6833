package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler, guard *Guard) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", guard.Wrap(h.CreateTask))
		r.Get("/tasks/{taskID}", h.GetTask)
		r.Put("/tasks/{taskID}/blocks", h.UpdateBlocks)
		r.Post("/tasks/{taskID}/decision", h.SubmitDecision)
		r.Get("/sources/{sourceID}/events", h.ListEvents)
		r.Post("/events/{eventID}/ack", h.AckEvent)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
