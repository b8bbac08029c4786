// Package proxy implements the four-mode request pipeline
// (discovery | supervisor | operations | forward), its idempotency-gated
// retry loop, and response post-processing.
package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/utilmeta/cluster-proxy/internal/apierr"
	"github.com/utilmeta/cluster-proxy/internal/catalog"
	"github.com/utilmeta/cluster-proxy/internal/config"
	"github.com/utilmeta/cluster-proxy/internal/metrics"
)

// Engine is the top-level http.Handler mounted at "/proxy/".
type Engine struct {
	Repo        catalog.Repository
	Config      *config.Config
	Log         *zap.Logger
	Client      *http.Client
	TrustedHost trustedHostChecker
}

// New builds an Engine with a shared outbound client so upstream
// connections pool across requests.
func New(repo catalog.Repository, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		Repo:   repo,
		Config: cfg,
		Log:    log,
		Client: &http.Client{},
	}
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	mode := getHeader(r, hdrProxyType)

	defer func() {
		metrics.ProxyRequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	candidates, err := dispatch(ctx, r, e.Repo, e.Config, e.TrustedHost)
	if err != nil {
		metrics.ProxyAttempts.WithLabelValues(mode, "dispatch_error").Inc()
		e.writeError(w, err)
		return
	}
	if len(candidates.BaseURLs) == 0 {
		metrics.ProxyAttempts.WithLabelValues(mode, "no_candidates").Inc()
		e.writeError(w, apierr.New(apierr.ServiceUnavailable, "no candidate upstream available"))
		return
	}

	idempotent := operationIdempotent(r)
	timeout := requestTimeout(r, e.Config.DefaultTimeout)

	client := e.Client
	if client == nil {
		client = &http.Client{}
	}

	result, retries, err := makeRequest(ctx, r, candidates, idempotent, timeout, client)
	if err != nil {
		metrics.ProxyAttempts.WithLabelValues(mode, "error").Inc()
		e.writeError(w, apierr.Wrap(apierr.Internal, "outbound request failed", err))
		return
	}

	metrics.ProxyRetries.WithLabelValues(mode).Observe(float64(retries))
	outcome := "ok"
	if result.aborted {
		outcome = "aborted"
	}
	metrics.ProxyAttempts.WithLabelValues(mode, outcome).Inc()

	writeResult(w, result, retries, candidates.Instances, time.Since(start))
}

func (e *Engine) writeError(w http.ResponseWriter, err error) {
	coded, ok := apierr.As(err)
	if !ok {
		coded = apierr.Wrap(apierr.Internal, "internal error", err)
	}
	if e.Log != nil {
		e.Log.Warn("proxy request failed",
			zap.String("kind", string(coded.Kind)),
			zap.String("state", string(coded.State)),
			zap.Error(coded),
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(coded.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{"error": coded.Message})
}
