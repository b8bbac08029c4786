package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/utilmeta/cluster-proxy/internal/catalog"
)

// defaultRetryOnStatuses is the fixed set of upstream statuses worth
// retrying against another candidate.
var defaultRetryOnStatuses = map[int]struct{}{
	http.StatusBadGateway:         {},
	http.StatusServiceUnavailable: {},
	http.StatusGatewayTimeout:     {},
}

// outboundResult is either a real *http.Response or an aborted sentinel:
// a transport error yields an aborted result, not an error, so the retry
// loop can treat both shapes uniformly.
type outboundResult struct {
	resp     *http.Response
	body     []byte
	aborted  bool
	instance string // base url that served this attempt
}

func shouldRetry(idempotent bool, r outboundResult) bool {
	if !idempotent {
		return false
	}
	if r.aborted {
		return true
	}
	_, retryable := defaultRetryOnStatuses[r.resp.StatusCode]
	return retryable
}

// makeRequest walks candidates.BaseURLs in order, issuing the original
// method/query/body with forwarded headers against each, until a
// non-retryable response is produced or candidates are exhausted.
func makeRequest(ctx context.Context, r *http.Request, candidates *candidateSet, idempotent bool, timeout time.Duration, client *http.Client) (outboundResult, int, error) {
	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			return outboundResult{}, 0, err
		}
	}

	path := stripProxyPrefix(r.URL.Path)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	retries := 0
	var last outboundResult
	for i, baseURL := range candidates.BaseURLs {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, r.Method, baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			cancel()
			return outboundResult{}, retries, err
		}
		forwardHeaders(req.Header, r.Header)
		for name, values := range candidates.ExtraHeaders {
			req.Header.Del(name)
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			cancel()
			last = outboundResult{aborted: true, instance: baseURL}
		} else {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			last = outboundResult{resp: resp, body: respBody, instance: baseURL}
		}

		isLast := i == len(candidates.BaseURLs)-1
		if isLast || !shouldRetry(idempotent, last) {
			return last, retries, nil
		}
		retries++
	}

	return last, retries, nil
}

// writeResult applies response post-processing: server-timing,
// destination headers, retry count, then copies status/body through.
func writeResult(w http.ResponseWriter, result outboundResult, retries int, instances []*catalog.Instance, elapsed time.Duration) {
	if result.aborted {
		w.Header().Set(hdrDestinationBaseURL, result.instance)
		if retries > 0 {
			w.Header().Set(hdrProxyRetries, strconv.Itoa(retries))
		}
		w.Header().Set(hdrServerTiming, fmt.Sprintf("proxy;dur=%d", elapsed.Milliseconds()))
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream request aborted"}`))
		return
	}

	dst := w.Header()
	for name, values := range result.resp.Header {
		for _, v := range values {
			dst.Add(name, v)
		}
	}

	dst.Set(hdrDestinationBaseURL, result.instance)
	if retries > 0 {
		dst.Set(hdrProxyRetries, strconv.Itoa(retries))
	}
	if instID := destinationInstanceID(instances, result.instance); instID != "" {
		dst.Set(hdrDestinationInstanceID, instID)
	}

	existing := dst.Get(hdrServerTiming)
	timing := fmt.Sprintf("proxy;dur=%d", elapsed.Milliseconds())
	if existing != "" {
		dst.Set(hdrServerTiming, timing+", "+existing)
	} else {
		dst.Set(hdrServerTiming, timing)
	}

	w.WriteHeader(result.resp.StatusCode)
	w.Write(result.body)
}

func destinationInstanceID(instances []*catalog.Instance, baseURL string) string {
	for _, inst := range instances {
		if inst.BaseURL == baseURL || inst.OpsAPI == baseURL {
			return inst.RemoteID
		}
	}
	return ""
}
