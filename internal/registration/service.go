// Package registration accepts instance registrations against the
// catalog and drives the supervisor coordination (connect and resource
// sync) a registration triggers.
package registration

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/utilmeta/cluster-proxy/internal/apierr"
	"github.com/utilmeta/cluster-proxy/internal/catalog"
	"github.com/utilmeta/cluster-proxy/internal/config"
	"github.com/utilmeta/cluster-proxy/internal/metrics"
	"github.com/utilmeta/cluster-proxy/internal/supervisor"
	"github.com/utilmeta/cluster-proxy/internal/workerpool"
)

// Service handles POST /registry.
type Service struct {
	Repo       catalog.Repository
	Config     *config.Config
	Supervisor *supervisor.Client
	Pool       *workerpool.Pool
	Lock       AddressLock
	Log        *zap.Logger
}

// New builds a registration Service.
func New(repo catalog.Repository, cfg *config.Config, sup *supervisor.Client, pool *workerpool.Pool, lock AddressLock, log *zap.Logger) *Service {
	return &Service{Repo: repo, Config: cfg, Supervisor: sup, Pool: pool, Lock: lock, Log: log}
}

// Register validates and upserts one instance registration, serialized
// per address.
func (s *Service) Register(ctx context.Context, clientIP string, req *Request) (resp *Response, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if coded, ok := apierr.As(err); ok {
				outcome = string(coded.Kind)
			}
		}
		metrics.RegistrationOutcomes.WithLabelValues(outcome).Inc()
	}()

	release, err := s.Lock.Lock(ctx, req.Address)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to acquire registration lock", err)
	}
	defer release()

	// Privacy checks. A non-private client is rejected as not-found
	// rather than forbidden so a probing caller learns nothing.
	if s.Config.Private {
		if !config.IsPrivateAddr(clientIP) {
			return nil, apierr.New(apierr.NotFound, "not found")
		}
		if s.Config.ValidateRegistryAddr && !s.Config.PublicBaseURL {
			host, _ := catalog.ParseAddress(req.Address)
			if host != clientIP {
				return nil, apierr.New(apierr.PermissionDenied, "client address does not match registered address")
			}
		}
	}

	// Step 2: resource existence.
	res, found, err := s.Repo.FindResource(ctx, req.InstanceID, "instance", req.Name, req.Address)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "resource lookup failed", err)
	}
	if !found {
		return nil, apierr.New(apierr.BadRequest, "instance not found in operations database")
	}

	// Step 3: normalize ops_api / base_url netloc.
	opsAPI, err := normalizeNetloc(req.OpsAPI, req.Address)
	if err != nil {
		return nil, err
	}
	baseURL, err := normalizeNetloc(req.BaseURL, req.Address)
	if err != nil {
		return nil, err
	}

	// Step 4: resolve or create Service, ensure name record, rename if
	// the canonical name drifted.
	svc, found, err := s.Repo.FindServiceByCurrentOrHistoricalName(ctx, req.Name)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "service lookup failed", err)
	}
	if !found {
		var initialNodeID *string
		if res.NodeID != "" {
			initialNodeID = &res.NodeID
		}
		svc, err = s.Repo.CreateService(ctx, req.Name, initialNodeID)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "create service failed", err)
		}
	}
	if err := s.Repo.EnsureNameRecord(ctx, svc.ID, req.Name); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "ensure name record failed", err)
	}
	if svc.Name != req.Name {
		if err := s.Repo.RenameService(ctx, svc.ID, req.Name); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "rename service failed", err)
		}
		svc.Name = req.Name
	}

	// Step 5: address ownership.
	if existing, found, err := s.Repo.FindInstanceByAddress(ctx, req.Address); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "instance lookup failed", err)
	} else if found && existing.ServiceID != svc.ID {
		return nil, apierr.New(apierr.BadRequest, "address owned by another service")
	}

	// Step 6: build InstanceRegistry and upsert.
	major, minor, patch := catalog.ParseVersion(req.Version)
	reg := &catalog.InstanceRegistry{
		ServiceID:       svc.ID,
		Address:         req.Address,
		BaseURL:         baseURL,
		OpsAPI:          opsAPI,
		ResourceID:      res.ID,
		ServerID:        res.ServerID,
		RemoteID:        res.RemoteID,
		Version:         req.Version,
		VersionMajor:    major,
		VersionMinor:    minor,
		VersionPatch:    patch,
		Asynchronous:    req.Asynchronous,
		Production:      req.Production,
		Language:        req.Language,
		LanguageVersion: req.LanguageVersion,
		UtilMetaVersion: req.UtilMetaVersion,
		Backend:         req.Backend,
		BackendVersion:  req.BackendVersion,
	}
	var etag string
	if len(req.Resources) > 0 {
		canonical, err := catalog.CanonicalJSON(req.Resources)
		if err != nil {
			return nil, apierr.Wrap(apierr.BadRequest, "invalid resources payload", err)
		}
		reg.Resources = canonical
		reg.HasResources = true
		etag = resourcesETag(canonical)
		reg.ResourcesETag = etag
	}

	inst, err := s.Repo.UpsertInstance(ctx, reg)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "upsert instance failed", err)
	}

	// Steps 7-8: supervisor coordination, off the request goroutine.
	if svc.NodeID == nil {
		if err := workerpool.Submit(ctx, s.Pool, func() error {
			return s.connectSupervisor(context.Background(), svc, req, opsAPI)
		}); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "connect_supervisor failed", err)
		}
	} else if len(req.Resources) > 0 {
		if err := workerpool.Submit(ctx, s.Pool, func() error {
			return s.syncSupervisor(context.Background(), svc.ID, reg.Resources, etag)
		}); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "sync_supervisor failed", err)
		}
	}

	return &Response{
		ID:            inst.ID,
		ServiceID:     inst.ServiceID,
		Address:       inst.Address,
		BaseURL:       inst.BaseURL,
		OpsAPI:        inst.OpsAPI,
		Version:       inst.Version,
		VersionMajor:  inst.VersionMajor,
		VersionMinor:  inst.VersionMinor,
		VersionPatch:  inst.VersionPatch,
		Connected:     inst.Connected,
		ResourcesETag: inst.ResourcesETag,
	}, nil
}

// connectSupervisor performs the initial add_node handshake for a
// service that has no supervisor node yet. If add_node fails, or is
// accepted without a node id reaching the placeholder, the placeholder
// row is deleted and the service's node id cleared; later failures
// (saving the supervisor, a missing public_key) leave both in place.
func (s *Service) connectSupervisor(ctx context.Context, svc *catalog.Service, req *Request, opsAPI string) error {
	placeholder := &catalog.Supervisor{
		ServiceID: svc.ID,
		BaseURL:   s.Config.SupervisorBaseURL,
		OpsAPI:    opsAPI,
	}
	if _, err := s.Repo.CreateSupervisorPlaceholder(ctx, placeholder); err != nil {
		return fmt.Errorf("create supervisor placeholder: %w", err)
	}

	clusterKeyRaw := ""
	if s.Config.ClusterKey != nil {
		clusterKeyRaw = string(s.Config.ClusterKey.Secret)
	}

	resp, ok, err := s.Supervisor.AddNode(ctx, s.Config.SupervisorBaseURL, clusterKeyRaw, supervisor.AddNodeRequest{
		ClusterID: s.Config.SupervisorClusterID,
		Service:   svc.Name,
		BaseURL:   req.BaseURL,
		OpsAPI:    opsAPI,
	}, s.Config.DefaultTimeout)
	if err != nil {
		_ = s.Repo.DeleteSupervisor(ctx, svc.ID)
		_ = s.Repo.SetServiceNodeID(ctx, svc.ID, nil)
		return fmt.Errorf("add_node failed: %w", err)
	}

	var nodeID string
	var saved *catalog.Supervisor
	if ok {
		saved, err = s.Repo.SaveSupervisor(ctx, &catalog.Supervisor{
			ServiceID:  svc.ID,
			NodeID:     resp.NodeID,
			BaseURL:    s.Config.SupervisorBaseURL,
			BackupURLs: resp.BackupURLs,
			PublicKey:  resp.PublicKey,
			Local:      resp.Local,
			OpsAPI:     opsAPI,
		})
		if err != nil {
			return fmt.Errorf("save supervisor: %w", err)
		}
		if saved.NodeID != resp.NodeID {
			return fmt.Errorf("save_supervisor: node_id mismatch after reconciliation")
		}
		nodeID = saved.NodeID
	} else {
		reconciled, found, err := s.Repo.FindSupervisorByServiceID(ctx, svc.ID)
		if err != nil || !found || reconciled.NodeID == "" {
			_ = s.Repo.DeleteSupervisor(ctx, svc.ID)
			_ = s.Repo.SetServiceNodeID(ctx, svc.ID, nil)
			return fmt.Errorf("add_node accepted but placeholder has no node_id yet")
		}
		saved = reconciled
		nodeID = reconciled.NodeID
	}

	if err := s.Repo.SetServiceNodeID(ctx, svc.ID, &nodeID); err != nil {
		return fmt.Errorf("set service node id: %w", err)
	}

	if saved != nil && saved.PublicKey == "" && !saved.Local {
		return fmt.Errorf("public_key required for non-local supervisor")
	}

	return s.syncSupervisor(ctx, svc.ID, req.Resources, "")
}

// syncSupervisor uploads a resources snapshot to the connected
// supervisor, skipping the call entirely when the fingerprint matches
// the last upload.
func (s *Service) syncSupervisor(ctx context.Context, serviceID string, resources []byte, resourcesETag string) error {
	if len(resources) == 0 {
		return nil
	}
	sup, found, err := s.Repo.FindSupervisorByServiceID(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("find supervisor: %w", err)
	}
	if !found {
		return nil
	}
	if sup.ResourcesETag == resourcesETag && resourcesETag != "" {
		return nil // identical
	}

	resp, err := s.Supervisor.UploadResources(ctx, sup.BaseURL, sup.PublicKey, sup.NodeID, s.Config.SupervisorClusterID, resources)
	if err != nil {
		return fmt.Errorf("upload_resources failed: %w", err)
	}
	if resp.NotModified {
		return nil
	}

	if resp.ServiceName != "" {
		if err := s.Repo.RenameService(ctx, serviceID, resp.ServiceName); err != nil {
			return fmt.Errorf("rename service after supervisor drift: %w", err)
		}
	}

	sup.ResourcesETag = resp.ResourcesETag
	if resp.URL != "" {
		sup.URL = resp.URL
	}
	if _, err := s.Repo.SaveSupervisor(ctx, sup); err != nil {
		return fmt.Errorf("save supervisor after sync: %w", err)
	}
	return nil
}

// normalizeNetloc prefixes a bare path with http://<address>, and
// rejects a URL whose netloc disagrees with the registered address.
func normalizeNetloc(raw, address string) (string, error) {
	if raw == "" {
		return "http://" + address, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "http://" + strings.TrimPrefix(address, "/") + "/" + strings.TrimPrefix(raw, "/"), nil
	}
	if u.Host != address {
		return "", apierr.New(apierr.BadRequest, "netloc inconsistent with address")
	}
	return raw, nil
}

// resourcesETag fingerprints a canonical resources encoding with
// xxhash. The digest only has to be fast and stable, not
// collision-resistant against an adversary.
func resourcesETag(canonical []byte) string {
	sum := xxhash.Sum64(canonical)
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (8 * (7 - i)))
	}
	return hex.EncodeToString(buf)
}
