package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utilmeta/cluster-proxy/internal/catalog"
)

func TestShouldRetryOnRetryableStatusWhenIdempotent(t *testing.T) {
	r := outboundResult{resp: &http.Response{StatusCode: http.StatusServiceUnavailable}}
	assert.True(t, shouldRetry(true, r))
	assert.False(t, shouldRetry(false, r))
}

func TestShouldRetryOnAbortedAlwaysWhenIdempotent(t *testing.T) {
	r := outboundResult{aborted: true}
	assert.True(t, shouldRetry(true, r))
	assert.False(t, shouldRetry(false, r))
}

func TestShouldRetryFalseOnNonRetryableStatus(t *testing.T) {
	r := outboundResult{resp: &http.Response{StatusCode: http.StatusOK}}
	assert.False(t, shouldRetry(true, r))
}

func TestMakeRequestSucceedsOnFirstCandidate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	r := httptest.NewRequest(http.MethodGet, "/proxy/widgets", nil)
	candidates := &candidateSet{BaseURLs: []string{upstream.URL}}

	result, retries, err := makeRequest(context.Background(), r, candidates, true, time.Second, upstream.Client())
	require.NoError(t, err)
	assert.Equal(t, 0, retries)
	assert.False(t, result.aborted)
	assert.Equal(t, http.StatusOK, result.resp.StatusCode)
	assert.Equal(t, "ok", string(result.body))
}

func TestMakeRequestRetriesIdempotentOn503ThenSucceeds(t *testing.T) {
	var calls int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer flaky.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	r := httptest.NewRequest(http.MethodGet, "/proxy/widgets", nil)
	candidates := &candidateSet{BaseURLs: []string{flaky.URL, healthy.URL}}

	result, retries, err := makeRequest(context.Background(), r, candidates, true, time.Second, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
	assert.Equal(t, http.StatusOK, result.resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMakeRequestDoesNotRetryNonIdempotentOn503(t *testing.T) {
	var healthyCalls int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer flaky.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&healthyCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	r := httptest.NewRequest(http.MethodPost, "/proxy/widgets", nil)
	candidates := &candidateSet{BaseURLs: []string{flaky.URL, healthy.URL}}

	result, retries, err := makeRequest(context.Background(), r, candidates, false, time.Second, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, 0, retries)
	assert.Equal(t, http.StatusServiceUnavailable, result.resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&healthyCalls))
}

func TestMakeRequestAbortsOnTransportError(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/proxy/widgets", nil)
	candidates := &candidateSet{BaseURLs: []string{"http://127.0.0.1:0"}}

	result, _, err := makeRequest(context.Background(), r, candidates, true, 200*time.Millisecond, http.DefaultClient)
	require.NoError(t, err)
	assert.True(t, result.aborted)
}

func TestDestinationInstanceIDMatchesBaseURLOrOpsAPI(t *testing.T) {
	instances := []*catalog.Instance{
		{BaseURL: "http://a", OpsAPI: "http://a-ops", RemoteID: "inst-a"},
		{BaseURL: "http://b", OpsAPI: "http://b-ops", RemoteID: "inst-b"},
	}
	assert.Equal(t, "inst-a", destinationInstanceID(instances, "http://a"))
	assert.Equal(t, "inst-a", destinationInstanceID(instances, "http://a-ops"))
	assert.Equal(t, "inst-b", destinationInstanceID(instances, "http://b-ops"))
	assert.Equal(t, "", destinationInstanceID(instances, "http://unknown"))
}
