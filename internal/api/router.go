package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/LeventeLantos/httprouter/internal/metrics"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Get("/scheduler/status", h.SchedulerStatus)
		r.Post("/scheduler/start", h.SchedulerStart)
		r.Post("/scheduler/stop", h.SchedulerStop)
		r.Post("/jobs/{name}/run", h.RunJob)

		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.CreateMessage)
		r.Get("/messages/{id}", h.GetMessage)
		r.Get("/messages/{id}/errors", h.ListDeliveryErrors)
		r.Post("/messages/{id}/send", h.SendMessage)
		r.Post("/messages/{id}/cancel", h.CancelMessage)
		r.Post("/messages/{id}/delivered", h.MarkDelivered)

		r.Post("/mass-text", h.MassText)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("httprouter"))
	})

	return r
}
