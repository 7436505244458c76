package outbox

import (
	"context"
	"fmt"
	"time"
)

// ClearTenantData deletes every row belonging to tenant in a single
// transaction: the queue, rejected mutations, all entity tables and the
// tenant's metadata. Either everything goes or nothing does.
func (s *Store) ClearTenantData(ctx context.Context, tenant string) error {
	if tenant == "" {
		return &NoTenantError{Operation: "store: clear tenant data"}
	}

	if err := s.clearTenantData(ctx, tenant); err != nil {
		return err
	}
	s.notify(ctx, tenant)
	return nil
}

func (s *Store) clearTenantData(ctx context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	tables := []string{"pending_mutations", "rejected_mutations"}
	for _, t := range entityTables {
		tables = append(tables, string(t))
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = ?`, table), tenant); err != nil {
			return fmt.Errorf("store: clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, metaLastReplay+tenant); err != nil {
		return fmt.Errorf("store: clear metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit clear tenant data: %w", err)
	}
	return nil
}

// ClearOldSyncedData deletes tenant's synced entities last updated before
// now minus olderThan. Pending and conflict entities are kept.
// Returns the number of rows deleted.
func (s *Store) ClearOldSyncedData(ctx context.Context, tenant string, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := formatTime(time.Now().Add(-olderThan))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range entityTables {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE tenant_id = ? AND sync_status = 'synced' AND updated_at < ?
		`, table), tenant, cutoff)
		if err != nil {
			return 0, fmt.Errorf("store: clear old synced %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit clear old synced: %w", err)
	}
	return total, nil
}

// recordReplay stores the completion time of tenant's latest replay pass.
func (s *Store) recordReplay(ctx context.Context, tenant string, at time.Time) error {
	return s.SetMetadata(ctx, metaLastReplay+tenant, formatTime(at))
}
