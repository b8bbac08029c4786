package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresRepository is the Repository implementation backed by
// database/sql + lib/pq: a thin struct wrapping *sql.DB, explicit SQL
// (no ORM), a logger for failure paths.
type PostgresRepository struct {
	db  *sql.DB
	log *zap.Logger
}

// NewPostgresRepository wraps an already-connected *sql.DB.
func NewPostgresRepository(db *sql.DB, log *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, log: log}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) FindServiceByCurrentOrHistoricalName(ctx context.Context, name string) (*Service, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.name, s.node_id, s.base_url, s.ops_api, s.public
		FROM utilmeta_service s
		LEFT JOIN utilmeta_service_name_record r ON r.service_id = s.id
		WHERE s.name = $1 OR r.name = $1
		LIMIT 1`, name)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find service by name: %w", err)
	}
	return svc, true, nil
}

func (r *PostgresRepository) FindServiceByID(ctx context.Context, id string) (*Service, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, node_id, base_url, ops_api, public
		FROM utilmeta_service WHERE id = $1`, id)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find service by id: %w", err)
	}
	return svc, true, nil
}

func scanService(row *sql.Row) (*Service, error) {
	var svc Service
	var nodeID sql.NullString
	if err := row.Scan(&svc.ID, &svc.Name, &nodeID, &svc.BaseURL, &svc.OpsAPI, &svc.Public); err != nil {
		return nil, err
	}
	if nodeID.Valid {
		svc.NodeID = &nodeID.String
	}
	return &svc, nil
}

func (r *PostgresRepository) CreateService(ctx context.Context, name string, nodeID *string) (*Service, error) {
	var svc Service
	var nid sql.NullString
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO utilmeta_service (name, node_id)
		VALUES ($1, $2)
		RETURNING id, name, node_id, base_url, ops_api, public`,
		name, nodeID,
	).Scan(&svc.ID, &svc.Name, &nid, &svc.BaseURL, &svc.OpsAPI, &svc.Public)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	if nid.Valid {
		svc.NodeID = &nid.String
	}
	return &svc, nil
}

func (r *PostgresRepository) RenameService(ctx context.Context, serviceID, newName string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE utilmeta_service SET name = $1 WHERE id = $2`, newName, serviceID)
	if err != nil {
		return fmt.Errorf("rename service: %w", err)
	}
	return nil
}

func (r *PostgresRepository) EnsureNameRecord(ctx context.Context, serviceID, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO utilmeta_service_name_record (service_id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`, serviceID, name)
	if err != nil {
		return fmt.Errorf("ensure name record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetServiceNodeID(ctx context.Context, serviceID string, nodeID *string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE utilmeta_service SET node_id = $1 WHERE id = $2`, nodeID, serviceID)
	if err != nil {
		return fmt.Errorf("set service node id: %w", err)
	}
	return nil
}

const instanceColumns = `
	id, service_id, address, host, port, base_url, ops_api,
	resource_id, server_id, remote_id,
	version, version_major, version_minor, version_patch,
	asynchronous, production, language, language_version, utilmeta_version, backend, backend_version,
	connected, weight, avg_load, avg_time, avg_rps,
	resources, resources_etag`

func scanInstance(row interface{ Scan(...interface{}) error }) (*Instance, error) {
	var inst Instance
	var port sql.NullInt64
	var resources []byte
	if err := row.Scan(
		&inst.ID, &inst.ServiceID, &inst.Address, &inst.Host, &port, &inst.BaseURL, &inst.OpsAPI,
		&inst.ResourceID, &inst.ServerID, &inst.RemoteID,
		&inst.Version, &inst.VersionMajor, &inst.VersionMinor, &inst.VersionPatch,
		&inst.Asynchronous, &inst.Production, &inst.Language, &inst.LanguageVersion, &inst.UtilMetaVersion, &inst.Backend, &inst.BackendVersion,
		&inst.Connected, &inst.Weight, &inst.AvgLoad, &inst.AvgTime, &inst.AvgRPS,
		&resources, &inst.ResourcesETag,
	); err != nil {
		return nil, err
	}
	if port.Valid {
		p := int(port.Int64)
		inst.Port = &p
	}
	inst.Resources = resources
	return &inst, nil
}

func (r *PostgresRepository) FindInstanceByAddress(ctx context.Context, address string) (*Instance, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM utilmeta_instance WHERE address = $1`, address)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find instance by address: %w", err)
	}
	return inst, true, nil
}

func (r *PostgresRepository) FindInstanceByHost(ctx context.Context, host string) (*Instance, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM utilmeta_instance WHERE host = $1 LIMIT 1`, host)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find instance by host: %w", err)
	}
	return inst, true, nil
}

func (r *PostgresRepository) UpsertInstance(ctx context.Context, reg *InstanceRegistry) (*Instance, error) {
	host, port := ParseAddress(reg.Address)

	var resources interface{}
	if reg.HasResources {
		resources = reg.Resources
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO utilmeta_instance (
			service_id, address, host, port, base_url, ops_api,
			resource_id, server_id, remote_id,
			version, version_major, version_minor, version_patch,
			asynchronous, production, language, language_version, utilmeta_version, backend, backend_version,
			connected, weight, resources, resources_etag
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20,
			true, 1, $21, $22
		)
		ON CONFLICT (address) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			ops_api = EXCLUDED.ops_api,
			resource_id = EXCLUDED.resource_id,
			server_id = EXCLUDED.server_id,
			remote_id = EXCLUDED.remote_id,
			version = EXCLUDED.version,
			version_major = EXCLUDED.version_major,
			version_minor = EXCLUDED.version_minor,
			version_patch = EXCLUDED.version_patch,
			asynchronous = EXCLUDED.asynchronous,
			production = EXCLUDED.production,
			language = EXCLUDED.language,
			language_version = EXCLUDED.language_version,
			utilmeta_version = EXCLUDED.utilmeta_version,
			backend = EXCLUDED.backend,
			backend_version = EXCLUDED.backend_version,
			connected = true,
			resources = COALESCE($23, utilmeta_instance.resources),
			resources_etag = CASE WHEN $23::jsonb IS NOT NULL THEN $22 ELSE utilmeta_instance.resources_etag END
		RETURNING `+instanceColumns,
		reg.ServiceID, reg.Address, host, port, reg.BaseURL, reg.OpsAPI,
		reg.ResourceID, reg.ServerID, reg.RemoteID,
		reg.Version, reg.VersionMajor, reg.VersionMinor, reg.VersionPatch,
		reg.Asynchronous, reg.Production, reg.Language, reg.LanguageVersion, reg.UtilMetaVersion, reg.Backend, reg.BackendVersion,
		resources, reg.ResourcesETag, resources,
	)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, fmt.Errorf("upsert instance: %w", err)
	}
	return inst, nil
}

func (r *PostgresRepository) ListConnectedInstances(ctx context.Context, serviceID string) ([]*Instance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM utilmeta_instance WHERE service_id = $1 AND connected = true`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list connected instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) FindResource(ctx context.Context, id, typ, service, ident string) (*Resource, bool, error) {
	var res Resource
	err := r.db.QueryRowContext(ctx, `
		SELECT id, type, service, ident, node_id, remote_id, server_id
		FROM utilmeta_resource
		WHERE id = $1 AND type = $2 AND service = $3 AND ident = $4`,
		id, typ, service, ident,
	).Scan(&res.ID, &res.Type, &res.Service, &res.Ident, &res.NodeID, &res.RemoteID, &res.ServerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find resource: %w", err)
	}
	return &res, true, nil
}

func (r *PostgresRepository) CreateSupervisorPlaceholder(ctx context.Context, sup *Supervisor) (*Supervisor, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO utilmeta_supervisor (service_id, node_id, base_url, init_key, ops_api, local)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (service_id) DO UPDATE SET base_url = EXCLUDED.base_url, init_key = EXCLUDED.init_key, ops_api = EXCLUDED.ops_api`,
		sup.ServiceID, sup.NodeID, sup.BaseURL, sup.InitKey, sup.OpsAPI, sup.Local)
	if err != nil {
		return nil, fmt.Errorf("create supervisor placeholder: %w", err)
	}
	return sup, nil
}

func (r *PostgresRepository) DeleteSupervisor(ctx context.Context, serviceID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM utilmeta_supervisor WHERE service_id = $1`, serviceID)
	if err != nil {
		return fmt.Errorf("delete supervisor: %w", err)
	}
	return nil
}

func scanSupervisor(row interface{ Scan(...interface{}) error }) (*Supervisor, error) {
	var sup Supervisor
	var backupURLs pq.StringArray
	if err := row.Scan(
		&sup.ServiceID, &sup.NodeID, &sup.BaseURL, &backupURLs, &sup.PublicKey,
		&sup.ResourcesETag, &sup.Local, &sup.URL, &sup.Disabled, &sup.OpsAPI,
	); err != nil {
		return nil, err
	}
	sup.BackupURLs = []string(backupURLs)
	return &sup, nil
}

func (r *PostgresRepository) SaveSupervisor(ctx context.Context, sup *Supervisor) (*Supervisor, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO utilmeta_supervisor (service_id, node_id, base_url, backup_urls, public_key, resources_etag, local, url, disabled, ops_api)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (service_id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			base_url = EXCLUDED.base_url,
			backup_urls = EXCLUDED.backup_urls,
			public_key = EXCLUDED.public_key,
			resources_etag = EXCLUDED.resources_etag,
			local = EXCLUDED.local,
			url = EXCLUDED.url,
			disabled = EXCLUDED.disabled,
			ops_api = EXCLUDED.ops_api
		RETURNING service_id, node_id, base_url, backup_urls, public_key, resources_etag, local, url, disabled, ops_api`,
		sup.ServiceID, sup.NodeID, sup.BaseURL, pq.StringArray(sup.BackupURLs), sup.PublicKey,
		sup.ResourcesETag, sup.Local, sup.URL, sup.Disabled, sup.OpsAPI,
	)
	out, err := scanSupervisor(row)
	if err != nil {
		return nil, fmt.Errorf("save supervisor: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) FindSupervisorByServiceID(ctx context.Context, serviceID string) (*Supervisor, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT service_id, node_id, base_url, backup_urls, public_key, resources_etag, local, url, disabled, ops_api
		FROM utilmeta_supervisor WHERE service_id = $1`, serviceID)
	sup, err := scanSupervisor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find supervisor by service id: %w", err)
	}
	return sup, true, nil
}

func (r *PostgresRepository) FindSupervisorByNodeID(ctx context.Context, nodeID string) (*Supervisor, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT service_id, node_id, base_url, backup_urls, public_key, resources_etag, local, url, disabled, ops_api
		FROM utilmeta_supervisor WHERE node_id = $1`, nodeID)
	sup, err := scanSupervisor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find supervisor by node id: %w", err)
	}
	return sup, true, nil
}

func (r *PostgresRepository) ListEnabledSupervisorsByNodeID(ctx context.Context, nodeID string) ([]*Supervisor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT service_id, node_id, base_url, backup_urls, public_key, resources_etag, local, url, disabled, ops_api
		FROM utilmeta_supervisor WHERE node_id = $1 AND disabled = false`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list enabled supervisors: %w", err)
	}
	defer rows.Close()

	var out []*Supervisor
	for rows.Next() {
		sup, err := scanSupervisor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan supervisor: %w", err)
		}
		out = append(out, sup)
	}
	return out, rows.Err()
}

// CanonicalJSON re-encodes an arbitrary resources payload with sorted
// keys, so the registration service can digest a stable byte sequence
// into a resources etag regardless of the sender's key order.
func CanonicalJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
