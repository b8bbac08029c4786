// Package router builds the proxy's root HTTP surface: the liveness
// marker, CORS, the proxy and registration mounts, and the ambient
// /metrics and /healthz endpoints.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/utilmeta/cluster-proxy/internal/apierr"
	"github.com/utilmeta/cluster-proxy/internal/metrics"
	"github.com/utilmeta/cluster-proxy/internal/registration"
)

const specVersion = "1.0"

// Dependencies are the collaborators the router mounts handlers for.
type Dependencies struct {
	Proxy        http.Handler
	Registration *registration.Service
	DB           *sql.DB
	Redis        *redis.Client
	Log          *zap.Logger
	CORSMaxAge   time.Duration
}

// New builds the root *http.ServeMux with every mount point wired.
func New(deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", liveness)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", healthz(deps))
	mux.HandleFunc("/registry", registerHandler(deps))
	mux.Handle("/proxy/", deps.Proxy)

	return cors(mux, deps.CORSMaxAge)
}

func liveness(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"utilmeta":    specVersion,
		"type":        "proxy",
		"registry_url": "/registry",
		"proxy_url":   "/proxy",
	})
}

// cors applies the proxy's CORS policy: wildcard origin, a fixed
// allow-headers list, server-timing exposed, configurable max-age.
func cors(next http.Handler, maxAge time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "x-utilmeta-proxy-type, x-utilmeta-cluster-id, authorization")
		w.Header().Set("Access-Control-Expose-Headers", "server-timing")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(maxAge.Seconds())))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func registerHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, apierr.New(apierr.NotFound, "method not allowed"), deps.Log)
			return
		}

		var req registration.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.Wrap(apierr.BadRequest, "invalid registration body", err), deps.Log)
			return
		}

		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}

		resp, err := deps.Registration.Register(r.Context(), ip, &req)
		if err != nil {
			writeError(w, err, deps.Log)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func writeError(w http.ResponseWriter, err error, log *zap.Logger) {
	coded, ok := apierr.As(err)
	if !ok {
		coded = apierr.Wrap(apierr.Internal, "internal error", err)
	}
	if log != nil {
		log.Warn("request failed", zap.String("kind", string(coded.Kind)), zap.Error(coded))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(coded.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{"error": coded.Message})
}

// healthz reports DB and Redis (if configured) liveness for
// orchestration probes. The check CLI subcommand probes "/" instead.
func healthz(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"db": "unknown", "redis": "not_configured"}
		healthy := true

		if deps.DB != nil {
			if err := deps.DB.PingContext(ctx); err != nil {
				status["db"] = "down"
				healthy = false
			} else {
				status["db"] = "up"
			}
		}

		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				status["redis"] = "down"
				healthy = false
			} else {
				status["redis"] = "up"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	}
}
