package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bher20/countryrates/internal/auth"
	"github.com/bher20/countryrates/internal/countries"
	"github.com/bher20/countryrates/internal/metrics"
	"github.com/bher20/countryrates/internal/service"
)

// Countries is the part of the service the HTTP layer needs.
type Countries interface {
	Refresh(ctx context.Context) (service.RefreshResult, error)
	List(ctx context.Context, f countries.Filter, key countries.SortKey) ([]countries.EnrichedCountry, error)
	Get(ctx context.Context, name string) (*countries.EnrichedCountry, error)
	Delete(ctx context.Context, name string) error
	Status(ctx context.Context) (countries.RefreshMetadata, error)
	Ready(ctx context.Context) error
	ImagePath() string
}

type Deps struct {
	Service Countries
	// Auth may be nil, which leaves every route open.
	Auth    *auth.Service
	Logger  *zap.Logger
	Version string
}

// NewRouter wires the country routes, docs, UI, metrics and health probes.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &handler{svc: d.Service, log: d.Logger.Named("api"), version: d.Version}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(instrument(h.log))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("live"))
	})
	r.Get("/readyz", h.ready)

	r.Get("/docs", redirect("/docs/"))
	r.Get("/docs/", serveStatic("docs.html", "text/html; charset=utf-8"))
	r.Get("/docs/openapi.yaml", serveStatic("openapi.yaml", "application/yaml"))
	r.Get("/ui", redirect("/ui/"))
	r.Get("/ui/", serveStatic("index.html", "text/html; charset=utf-8"))
	r.Get("/", h.root)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		r.With(d.Auth.RequirePermission(auth.ObjStatus, auth.ActRead)).Get("/status", h.status)

		r.Route("/countries", func(r chi.Router) {
			read := d.Auth.RequirePermission(auth.ObjCountries, auth.ActRead)
			write := d.Auth.RequirePermission(auth.ObjCountries, auth.ActWrite)

			r.With(write).Post("/refresh", h.refresh)
			r.With(read).Get("/", h.list)
			r.With(read).Get("/image", h.image)
			r.With(read).Get("/{name}", h.get)
			r.With(write).Delete("/{name}", h.delete)
		})
	})

	return r
}

func redirect(to string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, to, http.StatusMovedPermanently)
	}
}

// instrument records request metrics keyed by the matched route pattern and
// logs each request.
func instrument(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			dur := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			metrics.RequestsTotal.WithLabelValues(route, r.Method).Inc()
			metrics.RequestDurationSeconds.WithLabelValues(route).Observe(dur.Seconds())
			if status >= 400 {
				metrics.RequestErrorsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
			}

			log.Debug("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", dur),
			)
		})
	}
}
