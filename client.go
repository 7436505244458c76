package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/outbox/internal/transport"
)

// Client is the entry point for application writes.
//
// Every write goes through Mutate (or SaveEntity). Online, the write is sent
// directly; offline, or when the server cannot be reached, it is recorded in
// the local queue under the same idempotency key and replayed later.
type Client struct {
	store    *Store
	config   Config
	logger   *slog.Logger
	debug    *DebugLogger
	sender   Sender
	monitor  ConnectivityMonitor
	builtin  *Monitor
	replayer *Replayer
	runner   *Runner

	// gate serializes tenant switches against façade calls: Mutate and
	// Replay hold it shared, SwitchTenant holds it exclusively.
	gate   sync.RWMutex
	active string

	probeCancel context.CancelFunc
	probeDone   chan struct{}
	closeOnce   sync.Once
}

// New creates a new outbox client.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	debug, err := NewDebugLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	store, err := NewStore(cfg.DBPath)
	if err != nil {
		debug.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		store:  store,
		config: cfg,
		logger: cfg.Logger,
		debug:  debug,
		sender: cfg.Sender,
		active: cfg.Tenant,
	}

	if c.sender == nil && cfg.ServerURL != "" {
		httpClient := transport.NewHTTPClient(cfg.ServerURL, cfg.APIKey, cfg.ClientID).
			WithHealthPath(cfg.HealthPath)
		if debug.Enabled() {
			httpClient.WithTracer(debug)
		}
		c.sender = httpClient
	}

	c.monitor = cfg.Monitor
	if c.monitor == nil {
		c.builtin = NewMonitor(c.sender != nil)
		c.monitor = c.builtin
	}

	if c.sender != nil {
		c.replayer = NewReplayer(store, c.sender, cfg.MaxRetries, c.logger).WithDebug(debug)
	}

	if c.replayer != nil && !cfg.ManualReplay {
		c.runner = NewRunner(c.replayGated, RunnerConfig{
			Tenant:     c.Tenant,
			Monitor:    c.monitor,
			Backoff:    cfg.ReplayBackoff,
			BackoffMax: cfg.ReplayBackoffMax,
			MaxPasses:  cfg.MaxRetries,
			Logger:     c.logger,
		})
		c.runner.Start()
	}

	if c.builtin != nil && c.sender != nil && cfg.ProbeInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.probeCancel = cancel
		c.probeDone = make(chan struct{})
		go func() {
			defer close(c.probeDone)
			ProbeConnectivity(ctx, c.builtin, c.sender, cfg.ProbeInterval, c.logger)
		}()
	}

	return c, nil
}

// Tenant returns the active tenant, or "" when none is installed.
func (c *Client) Tenant() string {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.active
}

// resolveTenant picks the tenant for op: explicit, then the context, then
// the active tenant. Callers hold the gate.
func (c *Client) resolveTenant(ctx context.Context, explicit, op string) (string, error) {
	tenant := explicit
	if tenant == "" {
		tenant, _ = TenantFromContext(ctx)
	}
	if tenant == "" {
		tenant = c.active
	}
	if tenant == "" {
		return "", &NoTenantError{Operation: op}
	}
	if err := ValidateTenant(tenant); err != nil {
		return "", err
	}
	return tenant, nil
}

func (c *Client) tenantFor(ctx context.Context, op string) (string, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.resolveTenant(ctx, "", op)
}

// Mutate performs a write safely.
//
// Online, the request is sent with a fresh idempotency key. A 2xx or a 409
// returns OK. A 5xx or a missing response queues the write under the same
// key and returns OK with Queued set. Any other status is a terminal
// refusal: the write is not queued and Mutate returns OK=false together
// with a *DeliveryError. Offline, the write is queued without a network
// attempt.
//
// Storage errors are returned; a write is never silently dropped.
func (c *Client) Mutate(ctx context.Context, req MutationRequest) (*MutateResult, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	tenant, err := c.resolveTenant(ctx, req.Tenant, "mutate")
	if err != nil {
		return nil, err
	}
	if req.Endpoint == "" {
		return nil, ErrEmptyEndpoint
	}

	m := &PendingMutation{
		Tenant:         tenant,
		Endpoint:       req.Endpoint,
		Method:         normalizeMethod(req.Method),
		Body:           req.Body,
		IdempotencyKey: GenerateKey(tenant, req.Endpoint),
		Entity:         req.Entity,
	}
	return c.deliver(ctx, m, nil)
}

// SaveEntity stores rec locally as pending and writes it through Mutate's
// path. The entity is marked synced or conflict from the server's answer.
// This is also how an application clears a conflict: by saving again.
func (c *Client) SaveEntity(ctx context.Context, rec Record, req MutationRequest) (*MutateResult, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	tenant, err := c.resolveTenant(ctx, req.Tenant, "save entity")
	if err != nil {
		return nil, err
	}
	if req.Endpoint == "" {
		return nil, ErrEmptyEndpoint
	}

	e, err := EncodeEntity(tenant, rec)
	if err != nil {
		return nil, err
	}
	body := req.Body
	if len(body) == 0 {
		body = e.Data
	}

	m := &PendingMutation{
		Tenant:         tenant,
		Endpoint:       req.Endpoint,
		Method:         normalizeMethod(req.Method),
		Body:           body,
		IdempotencyKey: GenerateKey(tenant, req.Endpoint),
		Entity:         e.Ref(),
	}
	return c.deliver(ctx, m, e)
}

// deliver sends m or queues it. e, when set, is stored with the mutation.
func (c *Client) deliver(ctx context.Context, m *PendingMutation, e *Entity) (*MutateResult, error) {
	if c.sender == nil || !c.monitor.Online() {
		return c.enqueue(ctx, m, e, 0)
	}

	if e != nil {
		if err := c.store.PutEntity(ctx, e); err != nil {
			return nil, fmt.Errorf("mutate: %w", err)
		}
		e = nil
	}

	resp, err := c.sender.Send(ctx, &Request{
		Method:         m.Method,
		Path:           m.Endpoint,
		Body:           m.Body,
		IdempotencyKey: m.IdempotencyKey,
	})
	if err != nil {
		c.logger.Debug("direct send failed, queuing", "tenant", m.Tenant, "endpoint", m.Endpoint, "err", err)
		m.LastError = err.Error()
		// The caller's context may be the reason the send failed; the write
		// must still be recorded.
		return c.enqueue(context.WithoutCancel(ctx), m, e, 0)
	}

	result := &MutateResult{
		IdempotencyKey: m.IdempotencyKey,
		StatusCode:     resp.StatusCode,
	}

	switch Classify(resp.StatusCode, resp.Header) {
	case OutcomeSuccess:
		result.OK = true
		result.Data = resp.Body
		return result, c.settle(ctx, m)

	case OutcomeReplayed:
		result.OK = true
		result.Conflict = true
		return result, c.settle(ctx, m)

	case OutcomeConflict:
		result.OK = true
		result.Conflict = true
		c.logger.Warn("mutation conflicts with server state", "tenant", m.Tenant, "endpoint", m.Endpoint)
		return result, c.flagConflict(ctx, m)

	case OutcomeTransient:
		m.LastError = statusMessage(resp)
		return c.enqueue(context.WithoutCancel(ctx), m, e, resp.StatusCode)

	default:
		derr := &DeliveryError{
			Operation:  "mutate",
			StatusCode: resp.StatusCode,
			Err:        errors.New(statusMessage(resp)),
		}
		if err := c.flagConflict(ctx, m); err != nil {
			return result, errors.Join(derr, err)
		}
		return result, derr
	}
}

func (c *Client) enqueue(ctx context.Context, m *PendingMutation, e *Entity, status int) (*MutateResult, error) {
	var err error
	if e != nil {
		_, err = c.store.EnqueueWithEntity(ctx, m, e)
	} else {
		_, err = c.store.AddPendingMutation(ctx, m)
	}
	if err != nil {
		return nil, fmt.Errorf("mutate: queue: %w", err)
	}
	return &MutateResult{
		OK:             true,
		Queued:         true,
		IdempotencyKey: m.IdempotencyKey,
		StatusCode:     status,
	}, nil
}

// settle records a confirmed write on its entity.
func (c *Client) settle(ctx context.Context, m *PendingMutation) error {
	if m.Entity == nil {
		return nil
	}
	if err := c.store.settleEntity(ctx, m.Tenant, m.Entity); err != nil {
		return fmt.Errorf("mutate: delivered but %w", err)
	}
	return nil
}

func (c *Client) flagConflict(ctx context.Context, m *PendingMutation) error {
	if m.Entity == nil {
		return nil
	}
	if err := c.store.MarkAsConflict(ctx, m.Tenant, m.Entity.Table, m.Entity.ID); err != nil {
		return fmt.Errorf("mutate: %w", err)
	}
	return nil
}

// Replay drains the queue of the tenant in scope (context, then active).
// Returns ErrOffline when no server is configured.
func (c *Client) Replay(ctx context.Context) (*ReplayResult, error) {
	tenant, err := c.tenantFor(ctx, "replay")
	if err != nil {
		return nil, err
	}
	return c.replayGated(ctx, tenant)
}

// replayGated runs a pass while holding the gate shared, so a tenant switch
// waits for it to finish.
func (c *Client) replayGated(ctx context.Context, tenant string) (*ReplayResult, error) {
	if c.replayer == nil {
		return nil, ErrOffline
	}
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.replayer.Replay(ctx, tenant)
}

// TriggerReplay asks the background runner for a pass. No-op when replay
// is manual or no server is configured.
func (c *Client) TriggerReplay() {
	if c.runner != nil {
		c.runner.Trigger()
	}
}

// SwitchTenant wipes every local row of from and installs to as the active
// tenant. No façade call observes to before the wipe has committed. An empty
// from means the current active tenant; an empty to leaves none installed.
func (c *Client) SwitchTenant(ctx context.Context, from, to string) error {
	if to != "" {
		if err := ValidateTenant(to); err != nil {
			return err
		}
	}

	c.gate.Lock()
	if from == "" {
		from = c.active
	}
	if from != "" {
		if err := c.store.ClearTenantData(ctx, from); err != nil {
			c.gate.Unlock()
			return fmt.Errorf("switch tenant: %w", err)
		}
	}
	c.active = to
	c.gate.Unlock()

	c.logger.Info("tenant switched", "from", from, "to", to)
	c.TriggerReplay()
	return nil
}

// Logout wipes the active tenant's local data and leaves no tenant installed.
func (c *Client) Logout(ctx context.Context) error {
	return c.SwitchTenant(ctx, "", "")
}

// PendingCount returns the number of queued mutations for the tenant in scope.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	tenant, err := c.tenantFor(ctx, "pending count")
	if err != nil {
		return 0, err
	}
	return c.store.PendingCount(ctx, tenant)
}

// PendingMutations returns the queue of the tenant in scope, oldest first.
func (c *Client) PendingMutations(ctx context.Context) ([]PendingMutation, error) {
	tenant, err := c.tenantFor(ctx, "pending mutations")
	if err != nil {
		return nil, err
	}
	return c.store.PendingMutations(ctx, tenant)
}

// StuckMutations returns queued mutations that reached MaxRetries and are
// skipped by replay until requeued or discarded.
func (c *Client) StuckMutations(ctx context.Context) ([]PendingMutation, error) {
	tenant, err := c.tenantFor(ctx, "stuck mutations")
	if err != nil {
		return nil, err
	}
	return c.store.StuckMutations(ctx, tenant, c.config.MaxRetries)
}

// RequeueMutation resets the retry count of a mutation of the tenant in scope
// and requests a replay. Another tenant's id is ErrNotFound.
func (c *Client) RequeueMutation(ctx context.Context, id int64) error {
	tenant, err := c.tenantFor(ctx, "requeue mutation")
	if err != nil {
		return err
	}
	if err := c.store.RequeueMutation(ctx, tenant, id); err != nil {
		return err
	}
	c.TriggerReplay()
	return nil
}

// DiscardMutation gives up on a queued mutation of the tenant in scope,
// moving it to the rejected table.
func (c *Client) DiscardMutation(ctx context.Context, id int64) (*RejectedMutation, error) {
	tenant, err := c.tenantFor(ctx, "discard mutation")
	if err != nil {
		return nil, err
	}
	r, err := c.store.RejectMutation(ctx, tenant, id, 0, "discarded")
	if err != nil {
		return nil, err
	}
	c.logger.Info("mutation discarded", "tenant", r.Tenant, "id", id, "endpoint", r.Endpoint)
	return r, nil
}

// RejectedMutations returns the tenant's rejected mutations, newest first.
func (c *Client) RejectedMutations(ctx context.Context) ([]RejectedMutation, error) {
	tenant, err := c.tenantFor(ctx, "rejected mutations")
	if err != nil {
		return nil, err
	}
	return c.store.RejectedMutations(ctx, tenant)
}

// AckRejected removes a rejected mutation the application has dealt with.
func (c *Client) AckRejected(ctx context.Context, id int64) error {
	tenant, err := c.tenantFor(ctx, "ack rejected")
	if err != nil {
		return err
	}
	return c.store.AckRejected(ctx, tenant, id)
}

// GetEntity returns an entity cached for the tenant in scope.
func (c *Client) GetEntity(ctx context.Context, table Table, id string) (*Entity, error) {
	tenant, err := c.tenantFor(ctx, "get entity")
	if err != nil {
		return nil, err
	}
	return c.store.GetEntity(ctx, tenant, table, id)
}

// ConflictEntities returns the tenant's entities flagged as conflicting.
func (c *Client) ConflictEntities(ctx context.Context) ([]Entity, error) {
	tenant, err := c.tenantFor(ctx, "conflict entities")
	if err != nil {
		return nil, err
	}
	return c.store.ConflictEntities(ctx, tenant)
}

// Subscribe delivers the pending count of the tenant in scope after every
// queue change. Close the subscription when done.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	tenant, err := c.tenantFor(ctx, "subscribe")
	if err != nil {
		return nil, err
	}
	return c.store.Subscribe(ctx, tenant)
}

// SetOnline feeds a platform connectivity signal to the built-in monitor.
// Reports whether it caused a reconnect. A no-op returning false when
// Config.Monitor replaced the built-in monitor.
func (c *Client) SetOnline(online bool) bool {
	if c.builtin == nil {
		return false
	}
	return c.builtin.SetOnline(online)
}

// Online reports the monitor's current state.
func (c *Client) Online() bool {
	return c.monitor.Online()
}

// Store returns the underlying store.
func (c *Client) Store() *Store {
	return c.store
}

// Stats returns store statistics for the tenant in scope.
func (c *Client) Stats(ctx context.Context) (*StoreStats, error) {
	tenant, err := c.tenantFor(ctx, "stats")
	if err != nil {
		return nil, err
	}
	return c.store.Stats(ctx, tenant, c.config.MaxRetries)
}

// HealthCheck returns the health status of the client.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		StoreOK: true,
		Online:  c.monitor.Online(),
	}

	if _, err := c.store.GetMetadata(ctx, metaSchemaVersion); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	if c.sender != nil {
		err := c.sender.HealthCheck(ctx)
		status.ServerReachable = err == nil
		if err != nil {
			status.Error = err.Error()
		}
	}

	return status
}

// Close stops background work and closes the store.
// Queued mutations stay on disk for the next run.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.runner != nil {
			c.runner.Stop()
		}
		if c.probeCancel != nil {
			c.probeCancel()
			<-c.probeDone
		}
		err = errors.Join(c.store.Close(), c.debug.Close())
	})
	return err
}
