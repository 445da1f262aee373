package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	alarmhttp "pointcalc/internal/alarms/interfaces/http"
	valueshttp "pointcalc/internal/values/interfaces/http"
	vphttp "pointcalc/internal/virtualpoints/interfaces/http"
)

// Deps are the services exposed over HTTP. Stream and Health are optional.
type Deps struct {
	Points    vphttp.Service
	History   vphttp.HistoryReader
	Values    valueshttp.Reader
	Publisher valueshttp.Publisher
	Alarms    alarmhttp.Service
	Stream    http.Handler
	Health    func(ctx context.Context) error
	Origins   []string
}

// NewRouter builds the API router.
func NewRouter(deps Deps, logger *zap.Logger) (http.Handler, error) {
	if deps.Points == nil || deps.Values == nil || deps.Alarms == nil {
		return nil, errors.New("httpapi: points, values and alarms services are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	points, err := vphttp.NewHandler(deps.Points, deps.History)
	if err != nil {
		return nil, err
	}
	vals, err := valueshttp.NewHandler(deps.Values, deps.Publisher)
	if err != nil {
		return nil, err
	}
	occurrences, err := alarmhttp.NewHandler(deps.Alarms)
	if err != nil {
		return nil, err
	}

	origins := deps.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				render.Status(r, http.StatusServiceUnavailable)
				render.JSON(w, r, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/virtual-points", points.Routes)
		r.Route("/values", vals.Routes)
		r.Route("/alarms", occurrences.Routes)
		if deps.Stream != nil {
			r.Handle("/stream", deps.Stream)
		}
	})
	return r, nil
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			resp := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(resp, r)
			status := resp.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", resp.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
