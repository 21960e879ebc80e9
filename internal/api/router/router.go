package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chompskiecodes/voicebook/internal/http/handlers"
	"github.com/chompskiecodes/voicebook/internal/http/middleware"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

// Config carries everything the router wires together.
type Config struct {
	Logger  *logging.Logger
	Webhook *handlers.Handler

	APIKey        string
	RequireAPIKey bool

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New assembles the HTTP routes.
func New(cfg *Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey, cfg.RequireAPIKey))
		if cfg.RateLimitPerSecond > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
		}

		r.Post("/location-resolver", cfg.Webhook.ResolveLocation)
		r.Post("/location-confirmer", cfg.Webhook.ConfirmLocation)
		r.Post("/practitioner-services", cfg.Webhook.GetPractitionerServices)
		r.Post("/practitioner-info", cfg.Webhook.GetPractitionerInfo)
		r.Post("/location-practitioners", cfg.Webhook.GetLocationPractitioners)
		r.Post("/available-practitioners", cfg.Webhook.GetAvailablePractitioners)
		r.Post("/availability-checker", cfg.Webhook.CheckAvailability)
		r.Post("/find-next-available", cfg.Webhook.FindNextAvailable)
		r.Post("/appointment-handler", cfg.Webhook.HandleAppointment)
		r.Post("/cancel-appointment", cfg.Webhook.CancelAppointment)
	})

	return r
}
