package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Control header names recognized by the proxy engine. Each is accepted
// in three forms: the bare canonical name, an "X-"-prefixed short form,
// and the "X-UtilMeta-"-prefixed long form.
const (
	hdrProxyType             = "Proxy-Type"
	hdrClusterID             = "Cluster-Id"
	hdrNodeID                = "Node-Id"
	hdrServiceName           = "Service-Name"
	hdrAcceptVersion         = "Accept-Version"
	hdrInstanceID            = "Instance-Id"
	hdrOperationIdempotent   = "Operation-Idempotent"
	hdrRequestTimeout        = "Request-Timeout"
	hdrProxyAuthorization    = "Proxy-Authorization"
	hdrSourceInstanceID      = "X-UtilMeta-Source-Instance-Id"
	hdrSourceService         = "X-UtilMeta-Source-Service"
	hdrClusterIDOut          = "x-cluster-id"
	hdrSourceInstanceIDOut   = "x-source-instance-id"
	hdrDestinationBaseURL    = "X-UtilMeta-Proxy-Destination-Base-URL"
	hdrDestinationInstanceID = "X-UtilMeta-Proxy-Destination-Instance-Id"
	hdrProxyRetries          = "X-UtilMeta-Proxy-Retries"
	hdrServerTiming          = "server-timing"
)

// getHeader looks up a control header under all three accepted forms.
func getHeader(r *http.Request, name string) string {
	if v := r.Header.Get("X-UtilMeta-" + name); v != "" {
		return v
	}
	if v := r.Header.Get("X-" + name); v != "" {
		return v
	}
	return r.Header.Get(name)
}

// idempotentDefault reports the default Operation-Idempotent value for a
// method when the header is absent.
func idempotentDefault(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

func operationIdempotent(r *http.Request) bool {
	v := getHeader(r, hdrOperationIdempotent)
	if v == "" {
		return idempotentDefault(r.Method)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return idempotentDefault(r.Method)
	}
	return b
}

func requestTimeout(r *http.Request, def time.Duration) time.Duration {
	v := getHeader(r, hdrRequestTimeout)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

// hopByHopHeaders are stripped from every forwarded request, per RFC
// 7230 §6.1 plus the proxy's own bookkeeping headers. Upstream response
// headers are copied back without this filter.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"X-Forwarded-For":     {},
	"X-Real-Ip":           {},
	"Remote_addr":         {},
}

// trimPrefixFold trims prefix from s case-insensitively, needed because
// http.CanonicalHeaderKey("X-UtilMeta-...") produces "X-Utilmeta-...", not
// "X-UtilMeta-...": canonicalization only capitalizes the letter after each
// hyphen and lowercases the rest of the word.
func trimPrefixFold(s, prefix string) string {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):]
	}
	return s
}

// isControlHeader reports whether name (in any of the three accepted
// forms) is one of the control headers the engine itself consumes, and so
// must never be forwarded upstream.
func isControlHeader(name string) bool {
	bare := trimPrefixFold(trimPrefixFold(name, "X-UtilMeta-"), "X-")
	switch bare {
	case hdrProxyType, hdrClusterID, hdrNodeID, hdrServiceName, hdrAcceptVersion,
		hdrInstanceID, hdrOperationIdempotent, hdrRequestTimeout, hdrProxyAuthorization:
		return true
	}
	return false
}

// forwardHeaders copies incoming headers into dst, excluding hop-by-hop
// headers, Content-Length/X-Forwarded-For/X-Real-IP/remote_addr, and any
// control header the engine itself consumed. Forwarding an
// already-forwarded request is idempotent: every header this function
// would strip was already stripped on the first hop.
func forwardHeaders(dst, src http.Header) {
	for name, values := range src {
		canon := http.CanonicalHeaderKey(name)
		if _, skip := hopByHopHeaders[canon]; skip {
			continue
		}
		if isControlHeader(canon) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
