package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/velmie/edgeagent/tenant"
)

const bindingRowID = 1

// BindingStore persists the agent's tenant binding as a single row.
type BindingStore struct {
	db         *sql.DB
	selectStmt string
	upsertStmt string
}

var _ tenant.Store = (*BindingStore)(nil)

// NewBindingStore constructs a binding store over table (agent_binding when empty).
func NewBindingStore(db *sql.DB, table string) (*BindingStore, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if table == "" {
		table = defaultBindingTable
	}
	name, err := quoteTableName(table)
	if err != nil {
		return nil, err
	}

	return &BindingStore{
		db: db,
		selectStmt: fmt.Sprintf(
			"SELECT token, tenant_id, tenant, agent_name, company_id, expires_at, updated_at FROM %s WHERE id = ?",
			name,
		),
		upsertStmt: fmt.Sprintf(
			"INSERT INTO %s (id, token, tenant_id, tenant, agent_name, company_id, expires_at, updated_at) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?) AS new ON DUPLICATE KEY UPDATE "+
				"token = new.token, tenant_id = new.tenant_id, tenant = new.tenant, agent_name = new.agent_name, "+
				"company_id = new.company_id, expires_at = new.expires_at, updated_at = new.updated_at",
			name,
		),
	}, nil
}

// LoadBinding implements tenant.Store.
func (s *BindingStore) LoadBinding(ctx context.Context) (tenant.Binding, error) {
	var (
		binding   tenant.Binding
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.selectStmt, bindingRowID).Scan(
		&binding.Token,
		&binding.TenantID,
		&binding.Tenant,
		&binding.AgentName,
		&binding.CompanyID,
		&expiresAt,
		&binding.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Binding{}, tenant.ErrNotBound
	}
	if err != nil {
		return tenant.Binding{}, fmt.Errorf("outbox mysql: load binding failed: %w", err)
	}
	if expiresAt.Valid {
		binding.ExpiresAt = expiresAt.Time.UTC()
	}
	binding.UpdatedAt = binding.UpdatedAt.UTC()

	return binding, nil
}

// SaveBinding implements tenant.Store.
func (s *BindingStore) SaveBinding(ctx context.Context, binding tenant.Binding) error {
	var expiresAt any
	if !binding.ExpiresAt.IsZero() {
		expiresAt = binding.ExpiresAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, s.upsertStmt,
		bindingRowID,
		binding.Token,
		binding.TenantID,
		binding.Tenant,
		binding.AgentName,
		binding.CompanyID,
		expiresAt,
		binding.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("outbox mysql: save binding failed: %w", err)
	}

	return nil
}
