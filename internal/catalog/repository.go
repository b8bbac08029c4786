package catalog

import "context"

// Repository is the abstract persistent catalog store: lookups and
// upserts only, transactionality scoped to a single registration. The
// Postgres-backed implementation lives in postgres.go; a fake
// implementing the same interface backs the unit tests.
type Repository interface {
	FindServiceByCurrentOrHistoricalName(ctx context.Context, name string) (*Service, bool, error)
	FindServiceByID(ctx context.Context, id string) (*Service, bool, error)
	CreateService(ctx context.Context, name string, nodeID *string) (*Service, error)
	RenameService(ctx context.Context, serviceID, newName string) error
	EnsureNameRecord(ctx context.Context, serviceID, name string) error
	SetServiceNodeID(ctx context.Context, serviceID string, nodeID *string) error

	FindInstanceByAddress(ctx context.Context, address string) (*Instance, bool, error)
	FindInstanceByHost(ctx context.Context, host string) (*Instance, bool, error)
	UpsertInstance(ctx context.Context, reg *InstanceRegistry) (*Instance, error)
	ListConnectedInstances(ctx context.Context, serviceID string) ([]*Instance, error)

	FindResource(ctx context.Context, id, typ, service, ident string) (*Resource, bool, error)

	CreateSupervisorPlaceholder(ctx context.Context, sup *Supervisor) (*Supervisor, error)
	DeleteSupervisor(ctx context.Context, serviceID string) error
	SaveSupervisor(ctx context.Context, sup *Supervisor) (*Supervisor, error)
	FindSupervisorByServiceID(ctx context.Context, serviceID string) (*Supervisor, bool, error)
	FindSupervisorByNodeID(ctx context.Context, nodeID string) (*Supervisor, bool, error)
	ListEnabledSupervisorsByNodeID(ctx context.Context, nodeID string) ([]*Supervisor, error)
}
