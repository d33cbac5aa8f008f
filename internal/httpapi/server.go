// Package httpapi exposes the orchestrator over HTTP. Handlers are thin:
// decode, call the service, map domain errors to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelhostd/internal/lifecycle"
	"modelhostd/internal/reclaim"
	"modelhostd/internal/selector"
	"modelhostd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Load(ctx context.Context, mc types.ModelConfig) error
	Stop(ctx context.Context, force bool) (types.CleanupOutcome, error)
	Status() types.LifecycleStatus
	Health() types.HealthSnapshot
	SelectBackend(path string, prefs *selector.Preferences) types.BackendDecision
	Cleanup(opts reclaim.Options) types.CleanupOutcome
	ListModels() ([]types.Model, error)
	Ready() bool
}

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.ListModels()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, types.ModelsResponse{Models: models})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Health())
	})

	r.Get("/select", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if strings.TrimSpace(path) == "" {
			writeJSONError(w, http.StatusBadRequest, "path query parameter is required")
			return
		}
		prefs := &selector.Preferences{
			Backend: types.BackendKind(r.URL.Query().Get("backend")),
			Device:  r.URL.Query().Get("device"),
		}
		writeJSON(w, svc.SelectBackend(path, prefs))
	})

	r.Post("/load", func(w http.ResponseWriter, r *http.Request) {
		var req types.LoadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Path) == "" {
			writeJSONError(w, http.StatusBadRequest, "name and path are required")
			return
		}
		mc := types.ModelConfig{
			Name:         req.Name,
			Backend:      req.Backend,
			Path:         req.Path,
			Port:         req.Port,
			Device:       req.Device,
			ExtraArgs:    req.ExtraArgs,
			Env:          req.Env,
			ReadyTimeout: time.Duration(req.ReadyTimeout) * time.Second,
		}
		if err := svc.Load(r.Context(), mc); err != nil {
			writeLifecycleError(w, err)
			return
		}
		writeJSON(w, svc.Status())
	})

	r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
		var req types.StopRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		outcome, err := svc.Stop(r.Context(), req.Force)
		if err != nil {
			writeLifecycleError(w, err)
			return
		}
		writeJSON(w, outcome)
	})

	r.Post("/cleanup", func(w http.ResponseWriter, r *http.Request) {
		var req types.CleanupRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSON(w, svc.Cleanup(reclaim.Options{
			PID:        req.PID,
			ModelName:  req.ModelName,
			Aggressive: req.Aggressive,
		}))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeJSON enforces the content type and body limit, then decodes into v.
// It writes the error response itself and reports success.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeLifecycleError maps orchestrator errors to HTTP status codes.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case lifecycle.IsValidation(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case lifecycle.IsInvalidState(err), lifecycle.IsLockDenied(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		if lf, ok := lifecycle.IsLaunchFailure(err); ok {
			writeJSONErrorFallbacks(w, http.StatusBadGateway, lf.Error(), lf.Fallbacks)
			return
		}
		if he, ok := err.(HTTPError); ok {
			writeJSONError(w, he.StatusCode(), he.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSONErrorFallbacks(w, status, msg, nil)
}

func writeJSONErrorFallbacks(w http.ResponseWriter, status int, msg string, fallbacks []types.BackendKind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Fallbacks: fallbacks})
}
