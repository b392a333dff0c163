package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/iapkit/asc-importer/internal/api/handlers"
	"github.com/iapkit/asc-importer/internal/api/middleware"
	"github.com/iapkit/asc-importer/pkg/interfaces"
)

// RouterConfig carries the HTTP-level knobs of the API server.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

func (c RouterConfig) withDefaults() RouterConfig {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 50
	}
	if c.RateBurst < 1 {
		c.RateBurst = 100
	}
	return c
}

// NewRouter assembles the chi router with the shared middleware chain
// and the versioned API surface.
func NewRouter(
	iapHandler *handlers.IAPHandler,
	importHandler *handlers.ImportHandler,
	logger interfaces.LoggerPort,
	cfg RouterConfig,
) *chi.Mux {
	cfg = cfg.withDefaults()

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.RateLimiter(cfg.RatePerSecond, cfg.RateBurst))
	// Imports and screenshot uploads go through the upstream API and can
	// legitimately take a while, hence the generous timeout.
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", iapHandler.TestConnection)
		r.Get("/prices", iapHandler.ListCommonPrices)

		r.Route("/apps", func(r chi.Router) {
			r.Get("/", iapHandler.ListApps)
			r.Route("/{appID}/iaps", func(r chi.Router) {
				r.Get("/", iapHandler.ListIAPs)
				r.Post("/", iapHandler.CreateIAP)
			})
		})

		r.Route("/iaps/{iapID}", func(r chi.Router) {
			r.Patch("/", iapHandler.UpdateIAP)
			r.Delete("/", iapHandler.DeleteIAP)
			r.Post("/screenshot", iapHandler.UploadScreenshot)
		})

		r.Route("/imports", func(r chi.Router) {
			r.Post("/", importHandler.CreateImport)
			r.Get("/", importHandler.ListImports)
			r.Route("/{batchID}", func(r chi.Router) {
				r.Get("/", importHandler.GetImport)
				r.Delete("/", importHandler.CancelImport)
			})
		})
	})

	return r
}
