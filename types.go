package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncStatus tracks whether a locally cached entity is confirmed by the server.
type SyncStatus string

// Sync statuses.
const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
)

// IsValid returns true if the status is one of the known statuses.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusConflict:
		return true
	}
	return false
}

// Table names a local entity table.
type Table string

// Entity tables.
const (
	TableLeads       Table = "leads"
	TableWorkOrders  Table = "work_orders"
	TableTimeEntries Table = "time_entries"
	TableCustomers   Table = "customers"
)

var entityTables = []Table{TableLeads, TableWorkOrders, TableTimeEntries, TableCustomers}

// EntityTables returns every entity table in a stable order.
func EntityTables() []Table {
	out := make([]Table, len(entityTables))
	copy(out, entityTables)
	return out
}

// IsValid returns true if t is a known entity table.
func (t Table) IsValid() bool {
	for _, known := range entityTables {
		if t == known {
			return true
		}
	}
	return false
}

// EntityRef points at the locally cached entity a mutation writes.
type EntityRef struct {
	Table Table  `json:"table"`
	ID    string `json:"id"`
}

// Entity is the stored form of any syncable business record.
// Domain fields are kept as a JSON document in Data.
type Entity struct {
	Table      Table           `json:"table"`
	ID         string          `json:"id"`
	Tenant     string          `json:"tenant"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  time.Time       `json:"updated_at"`
	SyncStatus SyncStatus      `json:"sync_status"`
}

// Ref returns a reference to the entity.
func (e *Entity) Ref() *EntityRef {
	return &EntityRef{Table: e.Table, ID: e.ID}
}

// Record is implemented by the typed domain records.
type Record interface {
	EntityTable() Table
	EntityID() string
}

// Lead is a sales lead.
type Lead struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Status string `json:"status"`
	Source string `json:"source,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

func (l Lead) EntityTable() Table { return TableLeads }
func (l Lead) EntityID() string   { return l.ID }

// WorkOrder is a scheduled job for a customer.
type WorkOrder struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	CustomerID  string     `json:"customer_id,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (w WorkOrder) EntityTable() Table { return TableWorkOrders }
func (w WorkOrder) EntityID() string   { return w.ID }

// TimeEntry is a clock-in/clock-out record.
type TimeEntry struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ClockIn      time.Time  `json:"clock_in"`
	ClockOut     *time.Time `json:"clock_out,omitempty"`
	BreakMinutes int        `json:"break_minutes"`
	Notes        string     `json:"notes,omitempty"`
}

func (e TimeEntry) EntityTable() Table { return TableTimeEntries }
func (e TimeEntry) EntityID() string   { return e.ID }

// Customer is a billed customer.
type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (c Customer) EntityTable() Table { return TableCustomers }
func (c Customer) EntityID() string   { return c.ID }

// NewEntityID returns a fresh identifier for a locally created entity.
func NewEntityID() string {
	return uuid.NewString()
}

// EncodeEntity converts a typed record into its stored form for tenant.
// The returned entity is pending.
func EncodeEntity(tenant string, rec Record) (*Entity, error) {
	if !rec.EntityTable().IsValid() {
		return nil, ErrUnknownTable
	}
	if rec.EntityID() == "" {
		return nil, fmt.Errorf("encode entity: %s: empty id", rec.EntityTable())
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	return &Entity{
		Table:      rec.EntityTable(),
		ID:         rec.EntityID(),
		Tenant:     tenant,
		Data:       data,
		SyncStatus: StatusPending,
	}, nil
}

// DecodeEntity unmarshals the entity's domain fields into dst.
func DecodeEntity(e *Entity, dst Record) error {
	if e.Table != dst.EntityTable() {
		return fmt.Errorf("decode entity: table %s does not match %s", e.Table, dst.EntityTable())
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	return nil
}

// PendingMutation is a write recorded locally and awaiting delivery.
type PendingMutation struct {
	// ID is local only and never sent to the server.
	ID             int64           `json:"id"`
	Tenant         string          `json:"tenant"`
	Endpoint       string          `json:"endpoint"`
	Method         string          `json:"method"`
	Body           json.RawMessage `json:"body,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	Retries        int             `json:"retries"`
	LastError      string          `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	Entity         *EntityRef      `json:"entity,omitempty"`
}

// RejectedMutation is a mutation removed from the queue after a terminal error.
type RejectedMutation struct {
	ID             int64           `json:"id"`
	MutationID     int64           `json:"mutation_id"`
	Tenant         string          `json:"tenant"`
	Endpoint       string          `json:"endpoint"`
	Method         string          `json:"method"`
	Body           json.RawMessage `json:"body,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	StatusCode     int             `json:"status_code"`
	Error          string          `json:"error,omitempty"`
	Retries        int             `json:"retries"`
	CreatedAt      time.Time       `json:"created_at"`
	RejectedAt     time.Time       `json:"rejected_at"`
	Entity         *EntityRef      `json:"entity,omitempty"`
}

// MutationRequest describes a write submitted through Client.Mutate.
type MutationRequest struct {
	// Tenant scopes the write. Empty falls back to the context tenant and
	// then Config.Tenant.
	Tenant   string
	Endpoint string
	// Method defaults to POST.
	Method string
	Body   json.RawMessage
	// Entity optionally links the write to a locally cached record, which is
	// marked synced or conflict once the server answers.
	Entity *EntityRef
}

// MutateResult is the outcome of Client.Mutate.
//
// OK means the write is either confirmed by the server or durably queued.
type MutateResult struct {
	OK             bool            `json:"ok"`
	Queued         bool            `json:"queued"`
	Conflict       bool            `json:"conflict"`
	Data           json.RawMessage `json:"data,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	StatusCode     int             `json:"status_code,omitempty"`
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Success   int                `json:"success"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Conflicts int                `json:"conflicts"`
	Rejected  []RejectedMutation `json:"rejected,omitempty"`
}

// Transient reports whether the pass left retryable work behind.
func (r *ReplayResult) Transient() bool {
	return r.Failed > len(r.Rejected)
}

// StoreStats contains per-tenant store statistics.
type StoreStats struct {
	Tenant            string     `json:"tenant"`
	PendingMutations  int        `json:"pending_mutations"`
	StuckMutations    int        `json:"stuck_mutations"`
	RejectedMutations int        `json:"rejected_mutations"`
	PendingEntities   int        `json:"pending_entities"`
	ConflictEntities  int        `json:"conflict_entities"`
	OldestPending     *time.Time `json:"oldest_pending,omitempty"`
	LastReplay        time.Time  `json:"last_replay,omitempty"`
	SchemaVersion     string     `json:"schema_version"`
}

// HealthStatus represents the health of the client.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	StoreOK         bool   `json:"store_ok"`
	Online          bool   `json:"online"`
	ServerReachable bool   `json:"server_reachable"`
	Error           string `json:"error,omitempty"`
}
