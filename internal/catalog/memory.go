package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process fake Repository used by unit tests
// for the Registration Service and Proxy Engine, so those tests don't
// need a live Postgres instance.
type MemoryRepository struct {
	mu          sync.Mutex
	services    map[string]*Service
	nameRecords map[string]string // name -> service id
	instances   map[string]*Instance
	supervisors map[string]*Supervisor // service id -> supervisor
	resources   map[string]*Resource
}

// NewMemoryRepository returns an empty fake catalog.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		services:    map[string]*Service{},
		nameRecords: map[string]string{},
		instances:   map[string]*Instance{},
		supervisors: map[string]*Supervisor{},
		resources:   map[string]*Resource{},
	}
}

var _ Repository = (*MemoryRepository)(nil)

// PutResource seeds a Resource row, used by tests to simulate the
// Operations collaborator's pre-existing catalog entry.
func (m *MemoryRepository) PutResource(r *Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID+"/"+r.Type+"/"+r.Service+"/"+r.Ident] = r
}

func (m *MemoryRepository) FindServiceByCurrentOrHistoricalName(_ context.Context, name string) (*Service, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.nameRecords[name]; ok {
		return m.services[id], true, nil
	}
	return nil, false, nil
}

func (m *MemoryRepository) FindServiceByID(_ context.Context, id string) (*Service, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	return svc, ok, nil
}

func (m *MemoryRepository) CreateService(_ context.Context, name string, nodeID *string) (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc := &Service{ID: uuid.NewString(), Name: name, NodeID: nodeID}
	m.services[svc.ID] = svc
	m.nameRecords[name] = svc.ID
	return svc, nil
}

func (m *MemoryRepository) RenameService(_ context.Context, serviceID, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[serviceID]
	if !ok {
		return fmt.Errorf("service %s not found", serviceID)
	}
	svc.Name = newName
	return nil
}

func (m *MemoryRepository) EnsureNameRecord(_ context.Context, serviceID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nameRecords[name]; !ok {
		m.nameRecords[name] = serviceID
	}
	return nil
}

func (m *MemoryRepository) SetServiceNodeID(_ context.Context, serviceID string, nodeID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[serviceID]
	if !ok {
		return fmt.Errorf("service %s not found", serviceID)
	}
	svc.NodeID = nodeID
	return nil
}

func (m *MemoryRepository) FindInstanceByAddress(_ context.Context, address string) (*Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[address]
	return inst, ok, nil
}

func (m *MemoryRepository) FindInstanceByHost(_ context.Context, host string) (*Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.Host == host {
			return inst, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryRepository) UpsertInstance(_ context.Context, reg *InstanceRegistry) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	host, port := ParseAddress(reg.Address)
	inst, exists := m.instances[reg.Address]
	if !exists {
		inst = &Instance{ID: uuid.NewString(), Address: reg.Address}
	}
	inst.ServiceID = reg.ServiceID
	inst.Host = host
	inst.Port = port
	inst.BaseURL = reg.BaseURL
	inst.OpsAPI = reg.OpsAPI
	inst.ResourceID = reg.ResourceID
	inst.ServerID = reg.ServerID
	inst.RemoteID = reg.RemoteID
	inst.Version = reg.Version
	inst.VersionMajor = reg.VersionMajor
	inst.VersionMinor = reg.VersionMinor
	inst.VersionPatch = reg.VersionPatch
	inst.Asynchronous = reg.Asynchronous
	inst.Production = reg.Production
	inst.Language = reg.Language
	inst.LanguageVersion = reg.LanguageVersion
	inst.UtilMetaVersion = reg.UtilMetaVersion
	inst.Backend = reg.Backend
	inst.BackendVersion = reg.BackendVersion
	inst.Connected = true
	if inst.Weight == 0 {
		inst.Weight = 1
	}
	if reg.HasResources {
		inst.Resources = reg.Resources
		inst.ResourcesETag = reg.ResourcesETag
	}
	m.instances[reg.Address] = inst
	return inst, nil
}

func (m *MemoryRepository) ListConnectedInstances(_ context.Context, serviceID string) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Instance
	for _, inst := range m.instances {
		if inst.ServiceID == serviceID && inst.Connected {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *MemoryRepository) FindResource(_ context.Context, id, typ, service, ident string) (*Resource, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[id+"/"+typ+"/"+service+"/"+ident]
	return res, ok, nil
}

func (m *MemoryRepository) CreateSupervisorPlaceholder(_ context.Context, sup *Supervisor) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supervisors[sup.ServiceID] = sup
	return sup, nil
}

func (m *MemoryRepository) DeleteSupervisor(_ context.Context, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.supervisors, serviceID)
	return nil
}

func (m *MemoryRepository) SaveSupervisor(_ context.Context, sup *Supervisor) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supervisors[sup.ServiceID] = sup
	return sup, nil
}

func (m *MemoryRepository) FindSupervisorByServiceID(_ context.Context, serviceID string) (*Supervisor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.supervisors[serviceID]
	return sup, ok, nil
}

func (m *MemoryRepository) FindSupervisorByNodeID(_ context.Context, nodeID string) (*Supervisor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sup := range m.supervisors {
		if sup.NodeID == nodeID {
			return sup, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryRepository) ListEnabledSupervisorsByNodeID(_ context.Context, nodeID string) ([]*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Supervisor
	for _, sup := range m.supervisors {
		if sup.NodeID == nodeID && !sup.Disabled {
			out = append(out, sup)
		}
	}
	return out, nil
}
