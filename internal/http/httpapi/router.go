package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genengine/internal/http/handlers"
	"genengine/internal/middleware"
)

// Options configures the middleware stack in front of the handlers.
type Options struct {
	JWTSecret       string
	JWTAudience     string
	AllowedOrigins  []string
	RateLimitPerMin int
	DefaultLocale   string
	Country         middleware.CountryLookup
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.Country),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/readyz", app.Ready)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.AuthJWT(opts.JWTSecret, opts.JWTAudience),
			middleware.RateLimit(opts.RateLimitPerMin),
		)

		r.Route("/v1/videos", func(r chi.Router) {
			r.Post("/", app.VideosGenerate)
			r.Get("/", app.VideosList)
			r.Get("/{job_id}", app.VideoStatus)
		})

		r.Get("/v1/me/points", app.MePoints)
		r.Patch("/v1/me", app.MeUpdate)
	})

	return r
}
