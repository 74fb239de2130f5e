package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/supervisor"
	"github.com/zerverless/analysisd/internal/ws"
)

// Runner starts and stops workers for jobs.
type Runner interface {
	Start(j *job.Job) error
	Stop(id string) bool
	Runs() []supervisor.Run
}

type Deps struct {
	NodeID string
	Store  *job.Store
	Runner Runner
	Push   *ws.Server
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h := NewHandlers(d)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/stats", h.Stats)
	r.Handle("/metrics", promhttp.Handler())

	// Analysis API
	r.Route("/api/analysis", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
		r.Delete("/{id}", h.DeleteJob)
		r.Post("/{id}/cancel", h.CancelJob)
		r.Post("/{id}/restart", h.RestartJob)
	})
	r.Get("/api/runs", h.ListRuns)

	// WebSocket
	if d.Push != nil {
		r.Get("/ws/analysis", d.Push.HandleStream)
		r.Get("/ws/analysis/{id}", d.Push.HandleJob)
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
