package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/edgeagent/tenant"
)

const bindingRowID = 1

// BindingStore persists the agent's tenant binding as a single row.
type BindingStore struct {
	pool       *pgxpool.Pool
	selectStmt string
	upsertStmt string
}

var _ tenant.Store = (*BindingStore)(nil)

// NewBindingStore constructs a binding store over table (agent_binding when empty).
func NewBindingStore(pool *pgxpool.Pool, table string) (*BindingStore, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	return newBindingStore(pool, table)
}

func newBindingStore(pool *pgxpool.Pool, table string) (*BindingStore, error) {
	if table == "" {
		table = defaultBindingTable
	}
	name, err := sanitizeTableName(table)
	if err != nil {
		return nil, err
	}

	return &BindingStore{
		pool: pool,
		selectStmt: fmt.Sprintf(
			"SELECT token, tenant_id, tenant, agent_name, company_id, expires_at, updated_at FROM %s WHERE id = $1",
			name,
		),
		upsertStmt: fmt.Sprintf(
			"INSERT INTO %s (id, token, tenant_id, tenant, agent_name, company_id, expires_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO UPDATE SET "+
				"token = EXCLUDED.token, tenant_id = EXCLUDED.tenant_id, tenant = EXCLUDED.tenant, "+
				"agent_name = EXCLUDED.agent_name, company_id = EXCLUDED.company_id, "+
				"expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at",
			name,
		),
	}, nil
}

// LoadBinding implements tenant.Store.
func (s *BindingStore) LoadBinding(ctx context.Context) (tenant.Binding, error) {
	var (
		binding   tenant.Binding
		expiresAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, s.selectStmt, bindingRowID).Scan(
		&binding.Token,
		&binding.TenantID,
		&binding.Tenant,
		&binding.AgentName,
		&binding.CompanyID,
		&expiresAt,
		&binding.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return tenant.Binding{}, tenant.ErrNotBound
	}
	if err != nil {
		return tenant.Binding{}, fmt.Errorf("outbox postgres: load binding failed: %w", err)
	}
	if expiresAt.Valid {
		binding.ExpiresAt = expiresAt.Time.UTC()
	}
	binding.UpdatedAt = binding.UpdatedAt.UTC()

	return binding, nil
}

// SaveBinding implements tenant.Store.
func (s *BindingStore) SaveBinding(ctx context.Context, binding tenant.Binding) error {
	expiresAt := pgtype.Timestamptz{Time: binding.ExpiresAt.UTC(), Valid: !binding.ExpiresAt.IsZero()}

	_, err := s.pool.Exec(ctx, s.upsertStmt,
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
		return fmt.Errorf("outbox postgres: save binding failed: %w", err)
	}

	return nil
}
