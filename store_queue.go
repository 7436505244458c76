package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const mutationColumns = `id, tenant_id, endpoint, method, body, idempotency_key,
	entity_table, entity_id, created_at, retries, last_error, last_attempt_at`

// AddPendingMutation appends m to its tenant's queue and returns the new id.
// CreatedAt defaults to now. Storage errors are returned, never swallowed.
func (s *Store) AddPendingMutation(ctx context.Context, m *PendingMutation) (int64, error) {
	if err := validateMutation(m); err != nil {
		return 0, err
	}

	id, err := s.withTx(ctx, func(tx *sql.Tx) (int64, error) {
		return insertMutation(ctx, tx, m)
	})
	if err != nil {
		return 0, err
	}

	m.ID = id
	s.notify(ctx, m.Tenant)
	return id, nil
}

// EnqueueWithEntity stores e as pending and appends m in one transaction,
// so a pending entity always has its mutation.
func (s *Store) EnqueueWithEntity(ctx context.Context, m *PendingMutation, e *Entity) (int64, error) {
	if err := validateMutation(m); err != nil {
		return 0, err
	}
	if !e.Table.IsValid() {
		return 0, ErrUnknownTable
	}
	if e.Tenant != m.Tenant {
		return 0, fmt.Errorf("store: entity tenant %q does not match mutation tenant %q", e.Tenant, m.Tenant)
	}

	m.Entity = e.Ref()
	id, err := s.withTx(ctx, func(tx *sql.Tx) (int64, error) {
		if err := upsertEntity(ctx, tx, e); err != nil {
			return 0, err
		}
		return insertMutation(ctx, tx, m)
	})
	if err != nil {
		return 0, err
	}

	m.ID = id
	s.notify(ctx, m.Tenant)
	return id, nil
}

func validateMutation(m *PendingMutation) error {
	if m.Tenant == "" {
		return &NoTenantError{Operation: "store: add pending mutation"}
	}
	if m.Endpoint == "" {
		return ErrEmptyEndpoint
	}
	if m.IdempotencyKey == "" {
		return errors.New("store: add pending mutation: idempotency key required")
	}
	if m.Method == "" {
		m.Method = "POST"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

func insertMutation(ctx context.Context, tx *sql.Tx, m *PendingMutation) (int64, error) {
	var entityTable, entityID *string
	if m.Entity != nil {
		entityTable = nullString(string(m.Entity.Table))
		entityID = nullString(m.Entity.ID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_mutations (tenant_id, endpoint, method, body, idempotency_key,
			entity_table, entity_id, created_at, retries, last_error, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.Tenant,
		m.Endpoint,
		m.Method,
		[]byte(m.Body),
		m.IdempotencyKey,
		entityTable,
		entityID,
		formatTime(m.CreatedAt),
		m.Retries,
		nullString(m.LastError),
		nullTime(m.LastAttemptAt),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert pending mutation: %w", err)
	}
	return res.LastInsertId()
}

// PendingMutations returns tenant's queue, oldest first.
func (s *Store) PendingMutations(ctx context.Context, tenant string) ([]PendingMutation, error) {
	return s.queryMutations(ctx, `
		SELECT `+mutationColumns+`
		FROM pending_mutations WHERE tenant_id = ?
		ORDER BY created_at, id
	`, tenant)
}

// StuckMutations returns tenant's mutations that reached maxRetries, oldest first.
func (s *Store) StuckMutations(ctx context.Context, tenant string, maxRetries int) ([]PendingMutation, error) {
	return s.queryMutations(ctx, `
		SELECT `+mutationColumns+`
		FROM pending_mutations WHERE tenant_id = ? AND retries >= ?
		ORDER BY created_at, id
	`, tenant, maxRetries)
}

// GetPendingMutation returns tenant's queued mutation by id, or ErrNotFound.
func (s *Store) GetPendingMutation(ctx context.Context, tenant string, id int64) (*PendingMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+mutationColumns+` FROM pending_mutations WHERE id = ? AND tenant_id = ?
	`, id, tenant)
	return scanMutation(row)
}

func (s *Store) queryMutations(ctx context.Context, query string, args ...any) ([]PendingMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query pending mutations: %w", err)
	}
	defer rows.Close()

	var out []PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// RemovePendingMutation deletes tenant's mutation. Removing an unknown id is
// a no-op.
func (s *Store) RemovePendingMutation(ctx context.Context, tenant string, id int64) error {
	removed, err := s.deleteMutation(ctx, tenant, id)
	if err != nil {
		return err
	}
	if removed {
		s.notify(ctx, tenant)
	}
	return nil
}

func (s *Store) deleteMutation(ctx context.Context, tenant string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_mutations WHERE id = ? AND tenant_id = ?
	`, id, tenant)
	if err != nil {
		return false, fmt.Errorf("store: remove pending mutation %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateMutationRetry increments the retry count of tenant's mutation and
// records errMsg. Updating an unknown id is a no-op.
func (s *Store) UpdateMutationRetry(ctx context.Context, tenant string, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET retries = retries + 1, last_error = ?, last_attempt_at = ?
		WHERE id = ? AND tenant_id = ?
	`, nullString(errMsg), formatTime(time.Now()), id, tenant)
	if err != nil {
		return fmt.Errorf("store: update mutation retry %d: %w", id, err)
	}
	return nil
}

// RequeueMutation resets the retry count of tenant's stuck mutation so the
// next replay pass attempts it again. Returns ErrNotFound for an unknown id.
func (s *Store) RequeueMutation(ctx context.Context, tenant string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET retries = 0, last_error = NULL
		WHERE id = ? AND tenant_id = ?
	`, id, tenant)
	if err != nil {
		return fmt.Errorf("store: requeue mutation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectMutation moves tenant's mutation from the queue to the rejected table
// in one transaction. statusCode is 0 for manual discards.
// Returns ErrNotFound if the mutation is no longer queued.
func (s *Store) RejectMutation(ctx context.Context, tenant string, id int64, statusCode int, errMsg string) (*RejectedMutation, error) {
	rejected, err := s.rejectMutation(ctx, tenant, id, statusCode, errMsg)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, rejected.Tenant)
	return rejected, nil
}

func (s *Store) rejectMutation(ctx context.Context, tenant string, id int64, statusCode int, errMsg string) (*RejectedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMutation(tx.QueryRowContext(ctx, `
		SELECT `+mutationColumns+` FROM pending_mutations WHERE id = ? AND tenant_id = ?
	`, id, tenant))
	if err != nil {
		return nil, err
	}

	r := &RejectedMutation{
		MutationID:     m.ID,
		Tenant:         m.Tenant,
		Endpoint:       m.Endpoint,
		Method:         m.Method,
		Body:           m.Body,
		IdempotencyKey: m.IdempotencyKey,
		StatusCode:     statusCode,
		Error:          errMsg,
		Retries:        m.Retries,
		CreatedAt:      m.CreatedAt,
		RejectedAt:     time.Now().UTC(),
		Entity:         m.Entity,
	}

	var entityTable, entityID *string
	if r.Entity != nil {
		entityTable = nullString(string(r.Entity.Table))
		entityID = nullString(r.Entity.ID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO rejected_mutations (mutation_id, tenant_id, endpoint, method, body,
			idempotency_key, entity_table, entity_id, status_code, error, retries, created_at, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.MutationID, r.Tenant, r.Endpoint, r.Method, []byte(r.Body),
		r.IdempotencyKey, entityTable, entityID, r.StatusCode, nullString(r.Error),
		r.Retries, formatTime(r.CreatedAt), formatTime(r.RejectedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("store: record rejected mutation: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("store: record rejected mutation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pending_mutations WHERE id = ? AND tenant_id = ?
	`, id, tenant); err != nil {
		return nil, fmt.Errorf("store: remove pending mutation %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit reject: %w", err)
	}
	return r, nil
}

// RejectedMutations returns tenant's rejected mutations, most recent first.
func (s *Store) RejectedMutations(ctx context.Context, tenant string) ([]RejectedMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mutation_id, tenant_id, endpoint, method, body, idempotency_key,
			entity_table, entity_id, status_code, error, retries, created_at, rejected_at
		FROM rejected_mutations WHERE tenant_id = ?
		ORDER BY rejected_at DESC, id DESC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("store: query rejected mutations: %w", err)
	}
	defer rows.Close()

	var out []RejectedMutation
	for rows.Next() {
		var (
			r                     RejectedMutation
			body                  []byte
			entityTable, entityID sql.NullString
			errMsg                sql.NullString
			createdAt, rejectedAt string
		)
		if err := rows.Scan(&r.ID, &r.MutationID, &r.Tenant, &r.Endpoint, &r.Method, &body,
			&r.IdempotencyKey, &entityTable, &entityID, &r.StatusCode, &errMsg, &r.Retries,
			&createdAt, &rejectedAt); err != nil {
			return nil, fmt.Errorf("store: scan rejected mutation: %w", err)
		}
		if len(body) > 0 {
			r.Body = body
		}
		r.Entity = entityRef(entityTable, entityID)
		r.Error = errMsg.String
		r.CreatedAt = parseTime(createdAt)
		r.RejectedAt = parseTime(rejectedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AckRejected deletes tenant's rejected mutation once the application has
// handled it. Acknowledging an unknown id is a no-op.
func (s *Store) AckRejected(ctx context.Context, tenant string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM rejected_mutations WHERE id = ? AND tenant_id = ?
	`, id, tenant); err != nil {
		return fmt.Errorf("store: ack rejected %d: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of queued mutations for tenant.
func (s *Store) PendingCount(ctx context.Context, tenant string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_mutations WHERE tenant_id = ?
	`, tenant).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending count: %w", err)
	}
	return n, nil
}

// withTx runs fn in a write transaction under the store lock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) (int64, error)) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := fn(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// scanMutation scans one pending_mutations row.
// Returns ErrNotFound only for sql.ErrNoRows from *sql.Row.
func scanMutation(sc scanner) (*PendingMutation, error) {
	var (
		m                     PendingMutation
		body                  []byte
		entityTable, entityID sql.NullString
		createdAt             string
		lastError             sql.NullString
		lastAttemptAt         sql.NullString
	)

	err := sc.Scan(
		&m.ID,
		&m.Tenant,
		&m.Endpoint,
		&m.Method,
		&body,
		&m.IdempotencyKey,
		&entityTable,
		&entityID,
		&createdAt,
		&m.Retries,
		&lastError,
		&lastAttemptAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan pending mutation: %w", err)
	}

	if len(body) > 0 {
		m.Body = body
	}
	m.Entity = entityRef(entityTable, entityID)
	m.CreatedAt = parseTime(createdAt)
	m.LastError = lastError.String
	if lastAttemptAt.Valid {
		t := parseTime(lastAttemptAt.String)
		m.LastAttemptAt = &t
	}
	return &m, nil
}

func entityRef(table, id sql.NullString) *EntityRef {
	if !table.Valid || !id.Valid {
		return nil
	}
	return &EntityRef{Table: Table(table.String), ID: id.String}
}
