package proxy

import (
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"strings"

	"github.com/utilmeta/cluster-proxy/internal/apierr"
	"github.com/utilmeta/cluster-proxy/internal/catalog"
	"github.com/utilmeta/cluster-proxy/internal/config"
	"github.com/utilmeta/cluster-proxy/internal/ranker"
)

// Mode is the X-UtilMeta-Proxy-Type tag selecting a pre-dispatch path.
type Mode string

const (
	ModeDiscovery  Mode = "discovery"
	ModeSupervisor Mode = "supervisor"
	ModeOperations Mode = "operations"
	ModeForward    Mode = "forward"
)

// candidateSet is the (base_urls, instances, supervisor?) triple every
// pre-dispatch handler produces, consumed by the outbound loop.
type candidateSet struct {
	BaseURLs   []string
	Instances  []*catalog.Instance
	Supervisor *catalog.Supervisor

	// ExtraHeaders are stamped onto the outbound request after the
	// forwarding exclusion list runs, so a stamp like X-Forwarded-For
	// survives even though inbound X-Forwarded-For is stripped.
	ExtraHeaders http.Header
}

// trustedHostChecker decides whether a candidate base URL is acceptable
// in forward mode, defense-in-depth against a poisoned catalog. The
// operations platform owns the real policy; a permissive default passes
// everything through so the engine is usable stand-alone.
type trustedHostChecker func(baseURL string) bool

func allowAllHosts(string) bool { return true }

// dispatch resolves r's candidate set according to its Proxy-Type, or
// returns a CodedError if the mode is missing/invalid or a precondition
// (auth, privacy, node lookup) fails.
func dispatch(ctx context.Context, r *http.Request, repo catalog.Repository, cfg *config.Config, trustedHost trustedHostChecker) (*candidateSet, error) {
	if trustedHost == nil {
		trustedHost = allowAllHosts
	}

	modeStr := getHeader(r, hdrProxyType)
	switch Mode(modeStr) {
	case ModeDiscovery:
		return dispatchDiscovery(ctx, r, repo, cfg)
	case ModeSupervisor, ModeOperations:
		// "supervisor" is an intentional alias of "operations"; both
		// route through the same handler.
		return dispatchOperations(ctx, r, repo, cfg, Mode(modeStr))
	case ModeForward:
		return dispatchForward(ctx, r, repo, cfg, trustedHost)
	default:
		return nil, apierr.New(apierr.NotFound, "unknown or missing proxy type")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func dispatchDiscovery(ctx context.Context, r *http.Request, repo catalog.Repository, cfg *config.Config) (*candidateSet, error) {
	serviceName := getHeader(r, hdrServiceName)
	if serviceName == "" {
		return nil, apierr.New(apierr.NotFound, "missing service name")
	}

	ip := clientIP(r)
	if cfg.Private && !config.IsPrivateAddr(ip) {
		return nil, apierr.New(apierr.NotFound, "discovery requires a private client")
	}

	inst, found, err := repo.FindInstanceByHost(ctx, ip)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "instance lookup failed", err)
	}
	if found {
		r.Header.Set(hdrSourceInstanceID, inst.RemoteID)
		r.Header.Set(hdrSourceService, serviceName)
	} else if cfg.ValidateForwardIPs {
		return nil, apierr.New(apierr.NotFound, "client address does not match a known instance")
	}

	return handleService(ctx, r, repo, serviceName, ModeDiscovery)
}

func dispatchOperations(ctx context.Context, r *http.Request, repo catalog.Repository, cfg *config.Config, mode Mode) (*candidateSet, error) {
	nodeID := getHeader(r, hdrNodeID)
	if nodeID == "" {
		nodeID = r.URL.Query().Get("node")
	}
	if nodeID == "" {
		return nil, apierr.New(apierr.NotFound, "missing node id")
	}

	var sup *catalog.Supervisor
	var candidates *candidateSet

	bearer := r.Header.Get("Authorization")
	token := getHeader(r, hdrProxyAuthorization)

	switch {
	case bearer != "":
		// Admin user carrying a platform bearer token: it is checked
		// against the first enabled Supervisor key for the node only; a
		// failure there is not retried against the other keys.
		sups, err := repo.ListEnabledSupervisorsByNodeID(ctx, nodeID)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "supervisor lookup failed", err)
		}
		if len(sups) == 0 {
			return nil, apierr.New(apierr.NotFound, "unknown node")
		}
		var keys []*rsa.PublicKey
		for _, s := range sups {
			if s.PublicKey == "" {
				continue
			}
			if pk, err := config.ParsePublicKeyPEM(s.PublicKey); err == nil {
				keys = append(keys, pk)
				if sup == nil {
					sup = s
				}
			}
		}
		if err := validateBearerToken(bearer, nodeID, keys); err != nil {
			return nil, err
		}
	case token != "":
		// From the platform itself, authenticated by the cluster key.
		clusterID := getHeader(r, hdrClusterID)
		if clusterID == "" || clusterID != cfg.SupervisorClusterID {
			return nil, apierr.New(apierr.NotFound, "unknown cluster")
		}
		if err := validateProxyAuthorization(token, cfg.ClusterKey, nodeID, cfg.SupervisorBaseURL, cfg.SupervisorClusterID); err != nil {
			return nil, err
		}
		existing, found, err := repo.FindSupervisorByNodeID(ctx, nodeID)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "supervisor lookup failed", err)
		}
		if found {
			sup = existing
		} else {
			// First operations query before the connect handshake has
			// persisted a Supervisor row. The proxy authorization already
			// proved the caller, so serve against an ephemeral, unsaved
			// record built from the Service-Name header.
			serviceName := getHeader(r, hdrServiceName)
			if serviceName == "" {
				return nil, apierr.New(apierr.NotFound, "unknown node")
			}
			sup = &catalog.Supervisor{NodeID: nodeID, BaseURL: cfg.SupervisorBaseURL}
			candidates, err = handleService(ctx, r, repo, serviceName, mode)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, apierr.New(apierr.ProxyAuthenticationRequired, "no proxy authorization token presented")
	}

	if sup == nil {
		return nil, apierr.New(apierr.NotFound, "unknown node")
	}

	if candidates == nil {
		svc, found, err := repo.FindServiceByID(ctx, sup.ServiceID)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "service lookup failed", err)
		}
		if !found {
			return nil, apierr.New(apierr.NotFound, "unknown service for node")
		}
		candidates, err = buildCandidates(ctx, r, repo, svc, mode)
		if err != nil {
			return nil, err
		}
	}
	candidates.Supervisor = sup

	if mode == ModeOperations {
		candidates.ExtraHeaders = http.Header{}
		candidates.ExtraHeaders.Set("X-Forwarded-For", clientIP(r))
	}

	return candidates, nil
}

func dispatchForward(ctx context.Context, r *http.Request, repo catalog.Repository, cfg *config.Config, trustedHost trustedHostChecker) (*candidateSet, error) {
	nodeID := getHeader(r, hdrNodeID)
	if nodeID == "" {
		return nil, apierr.New(apierr.NotFound, "missing node id")
	}

	ip := clientIP(r)
	if cfg.Private && !config.IsPrivateAddr(ip) {
		return nil, apierr.New(apierr.NotFound, "forward requires a private client")
	}

	r.Header.Set(hdrClusterIDOut, cfg.SupervisorClusterID)
	if inst, found, err := repo.FindInstanceByHost(ctx, ip); err == nil && found && inst.RemoteID != "" {
		r.Header.Set(hdrSourceInstanceIDOut, inst.RemoteID)
	}

	sup, found, err := repo.FindSupervisorByNodeID(ctx, nodeID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "supervisor lookup failed", err)
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "unknown node")
	}

	candidates := make([]string, 0, 1+len(sup.BackupURLs))
	for _, u := range append([]string{sup.BaseURL}, sup.BackupURLs...) {
		if u == "" {
			continue
		}
		if trustedHost(u) {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return nil, apierr.New(apierr.ServiceUnavailable, "no trusted base url for supervisor node")
	}

	return &candidateSet{BaseURLs: candidates, Supervisor: sup}, nil
}

// handleService resolves a Service by current-or-historical name, then
// filters, ranks and projects its connected instances to base URLs.
func handleService(ctx context.Context, r *http.Request, repo catalog.Repository, serviceName string, mode Mode) (*candidateSet, error) {
	svc, found, err := repo.FindServiceByCurrentOrHistoricalName(ctx, serviceName)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "service lookup failed", err)
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "unknown service "+serviceName)
	}
	return buildCandidates(ctx, r, repo, svc, mode)
}

// buildCandidates filters a resolved Service's connected instances by
// Instance-Id or Accept-Version, ranks them, and projects base_urls.
func buildCandidates(ctx context.Context, r *http.Request, repo catalog.Repository, svc *catalog.Service, mode Mode) (*candidateSet, error) {
	instances, err := repo.ListConnectedInstances(ctx, svc.ID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "instance lookup failed", err)
	}

	if instanceID := getHeader(r, hdrInstanceID); instanceID != "" {
		filtered := instances[:0]
		for _, inst := range instances {
			if inst.RemoteID == instanceID {
				filtered = append(filtered, inst)
			}
		}
		instances = filtered
	} else if acceptVersion := getHeader(r, hdrAcceptVersion); acceptVersion != "" && acceptVersion != "*" {
		spec := parseAcceptVersion(acceptVersion)
		filtered := instances[:0]
		for _, inst := range instances {
			if spec.matches(inst.VersionMajor, inst.VersionMinor, inst.VersionPatch) {
				filtered = append(filtered, inst)
			}
		}
		instances = filtered
	}

	ranked, err := ranker.Rank(instances)
	if err != nil {
		return nil, apierr.Wrap(apierr.ServiceUnavailable, "no healthy instance for "+svc.Name, err)
	}

	baseURLs := make([]string, len(ranked))
	for i, inst := range ranked {
		if mode == ModeOperations {
			baseURLs[i] = inst.OpsAPI
		} else {
			baseURLs[i] = inst.BaseURL
		}
	}

	return &candidateSet{BaseURLs: baseURLs, Instances: ranked}, nil
}

// stripProxyPrefix removes the "/proxy" mount prefix from an incoming
// request path, leaving the upstream path to forward.
func stripProxyPrefix(path string) string {
	const prefix = "/proxy"
	if strings.HasPrefix(path, prefix) {
		rest := path[len(prefix):]
		if rest == "" {
			return "/"
		}
		return rest
	}
	return path
}
