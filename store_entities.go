package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutEntity inserts or replaces a cached entity and marks it pending.
// This is also the only way an entity leaves the conflict status.
func (s *Store) PutEntity(ctx context.Context, e *Entity) error {
	if !e.Table.IsValid() {
		return ErrUnknownTable
	}
	if e.Tenant == "" {
		return &NoTenantError{Operation: "store: put entity"}
	}

	_, err := s.withTx(ctx, func(tx *sql.Tx) (int64, error) {
		return 0, upsertEntity(ctx, tx, e)
	})
	return err
}

func upsertEntity(ctx context.Context, tx *sql.Tx, e *Entity) error {
	if e.ID == "" {
		return fmt.Errorf("store: put entity: %s: empty id", e.Table)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	e.SyncStatus = StatusPending
	data := e.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	// A row owned by another tenant is never overwritten.
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, data, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status
		WHERE %s.tenant_id = excluded.tenant_id
	`, e.Table, e.Table),
		e.ID, e.Tenant, string(data), formatTime(e.UpdatedAt), string(e.SyncStatus),
	)
	if err != nil {
		return fmt.Errorf("store: put entity %s/%s: %w", e.Table, e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: put entity %s/%s: %w", e.Table, e.ID, ErrInvalidTenant)
	}
	return nil
}

// GetEntity returns tenant's cached entity, or ErrNotFound. Another tenant's
// row reads as not found.
func (s *Store) GetEntity(ctx context.Context, tenant string, table Table, id string) (*Entity, error) {
	if !table.IsValid() {
		return nil, ErrUnknownTable
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, data, updated_at, sync_status FROM %s
		WHERE id = ? AND tenant_id = ?
	`, table), id, tenant)
	return scanEntity(table, row)
}

// EntitiesByStatus returns tenant's entities with the given status across all
// tables, ordered by table then update time.
func (s *Store) EntitiesByStatus(ctx context.Context, tenant string, status SyncStatus) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []Entity
	for _, table := range entityTables {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, tenant_id, data, updated_at, sync_status FROM %s
			WHERE tenant_id = ? AND sync_status = ?
			ORDER BY updated_at, id
		`, table), tenant, string(status))
		if err != nil {
			return nil, fmt.Errorf("store: query %s: %w", table, err)
		}
		for rows.Next() {
			e, err := scanEntity(table, rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, *e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("store: query %s: %w", table, err)
		}
	}
	return out, nil
}

// PendingEntities returns tenant's entities still awaiting server confirmation.
func (s *Store) PendingEntities(ctx context.Context, tenant string) ([]Entity, error) {
	return s.EntitiesByStatus(ctx, tenant, StatusPending)
}

// ConflictEntities returns tenant's entities the server flagged as conflicting.
func (s *Store) ConflictEntities(ctx context.Context, tenant string) ([]Entity, error) {
	return s.EntitiesByStatus(ctx, tenant, StatusConflict)
}

// MarkAsSynced sets tenant's entity status to synced. The queue is not
// touched.
func (s *Store) MarkAsSynced(ctx context.Context, tenant string, table Table, id string) error {
	return s.setSyncStatus(ctx, tenant, table, id, StatusSynced)
}

// MarkAsConflict sets tenant's entity status to conflict. The queue is not
// touched.
func (s *Store) MarkAsConflict(ctx context.Context, tenant string, table Table, id string) error {
	return s.setSyncStatus(ctx, tenant, table, id, StatusConflict)
}

func (s *Store) setSyncStatus(ctx context.Context, tenant string, table Table, id string, status SyncStatus) error {
	if !table.IsValid() {
		return ErrUnknownTable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_status = ? WHERE id = ? AND tenant_id = ?
	`, table), string(status), id, tenant)
	if err != nil {
		return fmt.Errorf("store: mark %s/%s %s: %w", table, id, status, err)
	}
	return nil
}

// settleEntity marks ref synced once no queued mutation of tenant still
// references it. A conflict status is left alone.
func (s *Store) settleEntity(ctx context.Context, tenant string, ref *EntityRef) error {
	if !ref.Table.IsValid() {
		return ErrUnknownTable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_status = ?
		WHERE id = ? AND tenant_id = ? AND sync_status = ?
		AND NOT EXISTS (
			SELECT 1 FROM pending_mutations
			WHERE tenant_id = ? AND entity_table = ? AND entity_id = ?
		)
	`, ref.Table),
		string(StatusSynced), ref.ID, tenant, string(StatusPending),
		tenant, string(ref.Table), ref.ID,
	)
	if err != nil {
		return fmt.Errorf("store: settle %s/%s: %w", ref.Table, ref.ID, err)
	}
	return nil
}

func scanEntity(table Table, sc scanner) (*Entity, error) {
	var (
		e         Entity
		data      string
		updatedAt string
		status    string
	)
	err := sc.Scan(&e.ID, &e.Tenant, &data, &updatedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", table, err)
	}
	e.Table = table
	e.Data = []byte(data)
	e.UpdatedAt = parseTime(updatedAt)
	e.SyncStatus = SyncStatus(status)
	return &e, nil
}
