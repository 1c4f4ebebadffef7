package http

import (
	"net/http"

	"agenda/internal/auth"
	"agenda/internal/booking"
	"agenda/internal/config"
	"agenda/internal/http/handler"
	mw "agenda/internal/http/middleware"
	"agenda/internal/jobs"
	"agenda/internal/logger"
	"agenda/internal/warning"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type Deps struct {
	JWT       *auth.JWT
	Operators auth.Operators
	Jobs      jobs.Store
	Booking   *booking.Service
	Warnings  warning.Recorder
	Log       *logger.Logger
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	log := d.Log.With("component", "HTTP")

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AuthHandler{Operators: d.Operators, JWT: d.JWT, Log: log}
	r.Post("/auth/login", ah.Login)

	jh := &handler.JobHandler{Store: d.Jobs, Log: log}
	apH := &handler.AppointmentHandler{Svc: d.Booking, Log: log}
	chH := &handler.ChainHandler{Svc: d.Booking, Log: log}
	wh := &handler.WarningHandler{Recorder: d.Warnings, Log: log}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireOperator(d.JWT))

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jh.List)
			r.Post("/{id}/cancel", jh.Cancel)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", apH.Create)
			r.Get("/{id}", apH.Get)
			r.Post("/{id}/reschedule", apH.Reschedule)
			r.Post("/{id}/cancel", apH.Cancel)
			r.Post("/{id}/chain", apH.StartChain)
		})

		r.Route("/chains", func(r chi.Router) {
			r.Get("/{id}", chH.Get)
			r.Post("/{id}/cancel", chH.Cancel)
		})

		r.Route("/warnings", func(r chi.Router) {
			r.Get("/", wh.List)
			r.Post("/{id}/resolve", wh.Resolve)
			r.Post("/{id}/dismiss", wh.Dismiss)
		})
	})

	return r
}
