// Package supervisor implements outbound calls to the external control
// plane: add_node, upload_resources, get_info. Every call runs through a
// per-base-URL circuit breaker so a flapping supervisor doesn't stall
// every registration.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/utilmeta/cluster-proxy/internal/metrics"
)

// AddNodeRequest is the metadata POSTed to add_node.
type AddNodeRequest struct {
	ClusterKey string `json:"cluster_key"`
	ClusterID  string `json:"cluster_id"`
	Service    string `json:"service"`
	BaseURL    string `json:"base_url"`
	OpsAPI     string `json:"ops_api"`
}

// AddNodeResponse is the supervisor's reconciled node record, returned
// synchronously when the supervisor can answer inline; a 202-with-empty-
// body response means the supervisor will instead POST /ops back to us,
// and AddNode returns a nil response.
type AddNodeResponse struct {
	NodeID        string   `json:"node_id"`
	PublicKey     string   `json:"public_key"`
	BackupURLs    []string `json:"backup_urls"`
	Local         bool     `json:"local"`
	ResourcesETag string   `json:"resources_etag"`
}

// UploadResourcesRequest is POSTed to upload_resources.
type UploadResourcesRequest struct {
	NodeKey   string          `json:"node_key"`
	NodeID    string          `json:"node_id"`
	ClusterID string          `json:"cluster_id"`
	Resources json.RawMessage `json:"resources"`
}

// UploadResourcesResponse carries the reconciled resources fingerprint
// and, optionally, a UI URL and/or a renamed service.
type UploadResourcesResponse struct {
	NotModified   bool
	ResourcesETag string `json:"resources_etag"`
	Resources     json.RawMessage `json:"resources"`
	URL           string `json:"url"`
	ServiceName   string `json:"service_name"`
}

// GetInfoResponse is the supervisor's self-description.
type GetInfoResponse struct {
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key"`
}

// Client performs blocking HTTP calls to the supervisor. It is meant to
// be invoked only from a worker goroutine (internal/workerpool), never
// directly on a request goroutine.
type Client struct {
	httpClient *http.Client
	log        *zap.Logger

	mu       sync.Mutex
	breakers map[string]*cb.CircuitBreaker
}

// New builds a Client. timeout bounds every individual outbound call.
func New(log *zap.Logger, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		breakers:   map[string]*cb.CircuitBreaker{},
	}
}

func (c *Client) breakerFor(baseURL string) *cb.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[baseURL]; ok {
		return b
	}
	b := cb.NewCircuitBreaker(cb.Settings{
		Name:        "supervisor:" + baseURL,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			if c.log != nil {
				c.log.Warn("supervisor circuit breaker state change",
					zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			}
			state := 0.0
			if to == cb.StateOpen {
				state = 1
			}
			metrics.SupervisorCircuitState.WithLabelValues(baseURL).Set(state)
		},
	})
	c.breakers[baseURL] = b
	return b
}

func (c *Client) doJSON(ctx context.Context, baseURL, method, path, token string, body, out interface{}) (int, error) {
	breaker := c.breakerFor(baseURL)
	result, err := breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotModified {
			return resp.StatusCode, nil
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			return resp.StatusCode, fmt.Errorf("supervisor %s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, err
		}
		if len(raw) == 0 || out == nil {
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, err
		}
		return resp.StatusCode, nil
	})
	status, _ := result.(int)
	return status, err
}

// AddNode registers a service with the supervisor, retried with
// exponential backoff bounded by maxElapsed. It is the only supervisor
// call retried at this layer; the retry-across-candidates loop belongs
// to the proxy engine, not here.
func (c *Client) AddNode(ctx context.Context, baseURL, clusterKey string, req AddNodeRequest, maxElapsed time.Duration) (*AddNodeResponse, bool, error) {
	req.ClusterKey = clusterKey
	var resp AddNodeResponse
	var status int

	operation := func() error {
		var err error
		status, err = c.doJSON(ctx, baseURL, http.MethodPost, "/nodes/add", clusterKey, req, &resp)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, false, err
	}
	if status == http.StatusAccepted || resp.NodeID == "" {
		return nil, false, nil // accepted, body to follow via POST /ops
	}
	return &resp, true, nil
}

// UploadResources pushes an instance's resources snapshot to the
// supervisor. A 304 comes back as NotModified rather than an error.
func (c *Client) UploadResources(ctx context.Context, baseURL, nodeKey, nodeID, clusterID string, resources json.RawMessage) (*UploadResourcesResponse, error) {
	req := UploadResourcesRequest{NodeKey: nodeKey, NodeID: nodeID, ClusterID: clusterID, Resources: resources}
	var resp UploadResourcesResponse
	status, err := c.doJSON(ctx, baseURL, http.MethodPost, "/nodes/resources", nodeKey, req, &resp)
	if status == http.StatusNotModified {
		resp.NotModified = true
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInfo fetches the supervisor's self-description.
func (c *Client) GetInfo(ctx context.Context, baseURL, token string) (*GetInfoResponse, error) {
	var resp GetInfoResponse
	if _, err := c.doJSON(ctx, baseURL, http.MethodGet, "/info", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
