package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/utilmeta/cluster-proxy/internal/apierr"
	"github.com/utilmeta/cluster-proxy/internal/catalog"
	"github.com/utilmeta/cluster-proxy/internal/config"
	"github.com/utilmeta/cluster-proxy/internal/supervisor"
	"github.com/utilmeta/cluster-proxy/internal/workerpool"
)

func newTestService(t *testing.T, cfg *config.Config, supURL string) (*Service, *catalog.MemoryRepository) {
	t.Helper()
	repo := catalog.NewMemoryRepository()
	if cfg == nil {
		cfg = &config.Config{SupervisorBaseURL: supURL, SupervisorClusterID: "cluster-1", DefaultTimeout: time.Second}
	}
	if cfg.SupervisorBaseURL == "" {
		cfg.SupervisorBaseURL = supURL
	}
	sup := supervisor.New(zap.NewNop(), time.Second)
	pool := workerpool.New(2)
	t.Cleanup(pool.Close)
	lock := NewMemoryAddressLock()
	return New(repo, cfg, sup, pool, lock, zap.NewNop()), repo
}

func TestRegisterUnknownResourceIsBadRequest(t *testing.T) {
	svc, _ := newTestService(t, nil, "http://unused.invalid")

	_, err := svc.Register(context.Background(), "203.0.113.1", &Request{
		Name: "orders", Address: "10.0.0.1:9000", InstanceID: "inst-1",
	})
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.BadRequest, coded.Kind)
}

func TestRegisterHappyPathConnectsSupervisor(t *testing.T) {
	var addNodeCalls int32
	fakeSupervisor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nodes/add":
			atomic.AddInt32(&addNodeCalls, 1)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"node_id": "node-1", "local": true,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer fakeSupervisor.Close()

	service, repo := newTestService(t, nil, fakeSupervisor.URL)
	repo.PutResource(&catalog.Resource{ID: "inst-1", Type: "instance", Service: "orders", Ident: "10.0.0.1:9000", RemoteID: "remote-1"})

	resp, err := service.Register(context.Background(), "203.0.113.1", &Request{
		Name: "orders", Address: "10.0.0.1:9000", InstanceID: "inst-1", Version: "1.2.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", resp.Address)
	assert.Equal(t, 1, resp.VersionMajor)
	assert.Equal(t, 2, resp.VersionMinor)
	assert.Equal(t, int32(1), atomic.LoadInt32(&addNodeCalls))

	sup, found, err := repo.FindSupervisorByServiceID(context.Background(), resp.ServiceID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "node-1", sup.NodeID)
}

func TestRegisterResolvesNodeFromCallbackWhenAddNodeAccepted(t *testing.T) {
	// add_node may answer 202 with no body: the supervisor confirms the
	// node out of band instead, querying the instance's operations API
	// (through the proxy's bootstrap path) so the operations tables get
	// the node id before add_node returns. Simulate that concurrent
	// write from inside the fake supervisor handler.
	var repo *catalog.MemoryRepository
	fakeSupervisor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nodes/add" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		svc, found, err := repo.FindServiceByCurrentOrHistoricalName(context.Background(), "orders")
		if err != nil || !found {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = repo.SaveSupervisor(context.Background(), &catalog.Supervisor{
			ServiceID: svc.ID, NodeID: "node-9", Local: true,
		})
		w.WriteHeader(http.StatusAccepted)
	}))
	defer fakeSupervisor.Close()

	service, testRepo := newTestService(t, nil, fakeSupervisor.URL)
	repo = testRepo
	repo.PutResource(&catalog.Resource{ID: "inst-1", Type: "instance", Service: "orders", Ident: "10.0.0.1:9000"})

	resp, err := service.Register(context.Background(), "203.0.113.1", &Request{
		Name: "orders", Address: "10.0.0.1:9000", InstanceID: "inst-1",
	})
	require.NoError(t, err)

	svc, found, err := repo.FindServiceByCurrentOrHistoricalName(context.Background(), "orders")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, svc.NodeID)
	assert.Equal(t, "node-9", *svc.NodeID)
	assert.Equal(t, resp.ServiceID, svc.ID)
}

func TestRegisterFailsWhenAddNodeAcceptedButNoCallbackArrives(t *testing.T) {
	fakeSupervisor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer fakeSupervisor.Close()

	service, repo := newTestService(t, nil, fakeSupervisor.URL)
	repo.PutResource(&catalog.Resource{ID: "inst-1", Type: "instance", Service: "orders", Ident: "10.0.0.1:9000"})

	_, err := service.Register(context.Background(), "203.0.113.1", &Request{
		Name: "orders", Address: "10.0.0.1:9000", InstanceID: "inst-1",
	})
	require.Error(t, err)

	// The failed handshake must not leave a placeholder row behind.
	svc, found, err := repo.FindServiceByCurrentOrHistoricalName(context.Background(), "orders")
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = repo.FindSupervisorByServiceID(context.Background(), svc.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegisterUploadsResourcesWhenNodeAlreadyConnected(t *testing.T) {
	var uploadCalls int32
	fakeSupervisor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nodes/add":
			json.NewEncoder(w).Encode(map[string]interface{}{"node_id": "node-1", "local": true})
		case "/nodes/resources":
			atomic.AddInt32(&uploadCalls, 1)
			json.NewEncoder(w).Encode(map[string]interface{}{"resources_etag": "etag-123"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer fakeSupervisor.Close()

	service, repo := newTestService(t, nil, fakeSupervisor.URL)
	repo.PutResource(&catalog.Resource{ID: "inst-1", Type: "instance", Service: "orders", Ident: "10.0.0.1:9000"})
	repo.PutResource(&catalog.Resource{ID: "inst-1", Type: "instance", Service: "orders", Ident: "10.0.0.1:9001"})

	_, err := service.Register(context.Background(), "203.0.113.1", &Request{
		Name: "orders", Address: "10.0.0.1:9000", InstanceID: "inst-1",
	})
	require.NoError(t, err)

	resp2, err := service.Register(context.Background(), "203.0.113.1", &Request{
		Name: "orders", Address: "10.0.0.1:9001", InstanceID: "inst-1",
		Resources: json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp2.ResourcesETag)
	assert.Equal(t, int32(1), atomic.LoadInt32(&uploadCalls))
}

func TestRegisterRejectsAddressOwnedByAnotherService(t *testing.T) {
	fakeSupervisor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"node_id": "node-1", "local": true})
	}))
	defer fakeSupervisor.Close()

	service, repo := newTestService(t, nil, fakeSupervisor.URL)
	repo.PutResource(&catalog.Resource{ID: "inst-1", Type: "instance", Service: "orders", Ident: "10.0.0.1:9000"})
	repo.PutResource(&catalog.Resource{ID: "inst-2", Type: "instance", Service: "billing", Ident: "10.0.0.1:9000"})

	_, err := service.Register(context.Background(), "203.0.113.1", &Request{
		Name: "orders", Address: "10.0.0.1:9000", InstanceID: "inst-1",
	})
	require.NoError(t, err)

	_, err = service.Register(context.Background(), "203.0.113.1", &Request{
		Name: "billing", Address: "10.0.0.1:9000", InstanceID: "inst-2",
	})
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.BadRequest, coded.Kind)
}

func TestRegisterRejectsPublicClientAsNotFound(t *testing.T) {
	cfg := &config.Config{SupervisorClusterID: "cluster-1", DefaultTimeout: time.Second, Private: true}
	service, repo := newTestService(t, cfg, "http://unused.invalid")
	repo.PutResource(&catalog.Resource{ID: "inst-1", Type: "instance", Service: "orders", Ident: "10.0.0.1:9000"})

	_, err := service.Register(context.Background(), "8.8.8.8", &Request{
		Name: "orders", Address: "10.0.0.1:9000", InstanceID: "inst-1",
	})
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.NotFound, coded.Kind)
}

func TestRegisterRejectsMismatchedClientAddress(t *testing.T) {
	cfg := &config.Config{
		SupervisorClusterID: "cluster-1", DefaultTimeout: time.Second,
		Private: true, ValidateRegistryAddr: true,
	}
	service, repo := newTestService(t, cfg, "http://unused.invalid")
	repo.PutResource(&catalog.Resource{ID: "inst-1", Type: "instance", Service: "orders", Ident: "10.0.0.1:9000"})

	_, err := service.Register(context.Background(), "10.0.0.2", &Request{
		Name: "orders", Address: "10.0.0.1:9000", InstanceID: "inst-1",
	})
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.PermissionDenied, coded.Kind)
}

func TestNormalizeNetlocPrefixesBareAddress(t *testing.T) {
	netloc, err := normalizeNetloc("", "10.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:9000", netloc)
}

func TestNormalizeNetlocRejectsMismatchedHost(t *testing.T) {
	_, err := normalizeNetloc("http://evil.example.com", "10.0.0.1:9000")
	assert.Error(t, err)
}

func TestResourcesETagIsStableAndDependsOnContent(t *testing.T) {
	a := resourcesETag([]byte(`{"a":1}`))
	b := resourcesETag([]byte(`{"a":1}`))
	c := resourcesETag([]byte(`{"a":2}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
