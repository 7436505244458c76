package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/outbox/internal/transport"
	"golang.org/x/sync/singleflight"
)

// Replayer drains a tenant's queue against the server.
//
// Mutations are sent one at a time, oldest first, each with the key it was
// queued with. A failing mutation never blocks the ones behind it, so order
// is best effort across retries.
type Replayer struct {
	store      *Store
	sender     Sender
	maxRetries int
	logger     *slog.Logger
	debug      *DebugLogger

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is a shared pass and the contexts of the callers waiting on it.
// The pass runs detached from any one caller and stops only once every
// caller has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	callers []context.Context
}

// NewReplayer creates a replayer. maxRetries <= 0 means DefaultMaxRetries.
func NewReplayer(store *Store, sender Sender, maxRetries int, logger *slog.Logger) *Replayer {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		store:      store,
		sender:     sender,
		maxRetries: maxRetries,
		logger:     logger,
		flights:    make(map[string]*flight),
	}
}

// WithDebug attaches a per-mutation tracer.
func (r *Replayer) WithDebug(d *DebugLogger) *Replayer {
	r.debug = d
	return r
}

// MaxRetries returns the attempt limit after which mutations are skipped.
func (r *Replayer) MaxRetries() int {
	return r.maxRetries
}

// Replay runs one pass over tenant's queue.
//
// Concurrent calls for the same tenant share a single pass and its result,
// so no mutation is sent twice by overlapping triggers. Delivery failures
// become queue state (retry count, last error, rejection) and never surface
// as an error; only store failures and cancellation do. On cancellation the
// pass stops between mutations and the partial result is returned with the
// context's error.
func (r *Replayer) Replay(ctx context.Context, tenant string) (*ReplayResult, error) {
	if tenant == "" {
		return nil, &NoTenantError{Operation: "replay"}
	}
	if r.sender == nil {
		return nil, ErrOffline
	}

	for {
		f, ch := r.join(ctx, tenant)
		select {
		case out := <-ch:
			r.leave(tenant, f, ctx)
			if isCancellation(out.Err) && ctx.Err() == nil {
				// Joined a pass the other callers had abandoned.
				continue
			}
			return copyResult(out.Val), out.Err
		case <-ctx.Done():
			if r.leave(tenant, f, ctx) {
				out := <-ch
				return copyResult(out.Val), ctx.Err()
			}
			return nil, ctx.Err()
		}
	}
}

// join registers ctx as a caller of tenant's pass, starting one if none runs.
func (r *Replayer) join(ctx context.Context, tenant string) (*flight, <-chan singleflight.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.flights[tenant]
	if f == nil {
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: pctx, cancel: cancel}
		r.flights[tenant] = f
	}
	f.callers = append(f.callers, ctx)
	ch := r.group.DoChan(tenant, func() (any, error) {
		return r.replay(f.ctx, tenant, func() error { return r.stopped(f) })
	})
	return f, ch
}

// leave removes ctx from f and reports whether it was the last caller, in
// which case the pass is cancelled.
func (r *Replayer) leave(tenant string, f *flight, ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range f.callers {
		if c == ctx {
			f.callers = append(f.callers[:i], f.callers[i+1:]...)
			break
		}
	}
	if len(f.callers) > 0 {
		return false
	}
	f.cancel()
	if r.flights[tenant] == f {
		delete(r.flights, tenant)
	}
	return true
}

// stopped returns a cancellation error once no caller of f is still waiting.
func (r *Replayer) stopped(f *flight) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := f.ctx.Err(); err != nil {
		return err
	}
	for _, c := range f.callers {
		if c.Err() == nil {
			return nil
		}
	}
	if len(f.callers) > 0 {
		return f.callers[0].Err()
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func copyResult(v any) *ReplayResult {
	res, _ := v.(*ReplayResult)
	if res == nil {
		return nil
	}
	cp := *res
	cp.Rejected = append([]RejectedMutation(nil), res.Rejected...)
	return &cp
}

// replay runs a pass under ctx. stopped reports, between and during
// sends, whether every caller has given up.
func (r *Replayer) replay(ctx context.Context, tenant string, stopped func() error) (*ReplayResult, error) {
	mutations, err := r.store.PendingMutations(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	res := &ReplayResult{}
	for i := range mutations {
		if err := stopped(); err != nil {
			return res, err
		}
		m := &mutations[i]

		if m.Retries >= r.maxRetries {
			res.Skipped++
			r.debug.LogReplay(m, OutcomeTransient)
			continue
		}

		if err := r.replayOne(ctx, m, res, stopped); err != nil {
			return res, err
		}
	}

	if err := r.store.recordReplay(ctx, tenant, time.Now()); err != nil {
		return res, fmt.Errorf("replay: %w", err)
	}

	if len(mutations) > 0 {
		r.logger.Info("replay pass complete", "tenant", tenant,
			"success", res.Success, "failed", res.Failed, "skipped", res.Skipped, "conflicts", res.Conflicts)
	}
	return res, nil
}

// replayOne sends m and applies the outcome to the store.
func (r *Replayer) replayOne(ctx context.Context, m *PendingMutation, res *ReplayResult, stopped func() error) error {
	resp, err := r.sender.Send(ctx, &Request{
		Method:         m.Method,
		Path:           m.Endpoint,
		Body:           m.Body,
		IdempotencyKey: m.IdempotencyKey,
	})
	if err != nil {
		if cerr := stopped(); cerr != nil {
			// Cancelled by the callers, not a failed attempt.
			return cerr
		}
		res.Failed++
		r.debug.LogReplay(m, OutcomeTransient)
		r.logger.Debug("replay attempt failed", "tenant", m.Tenant, "id", m.ID, "err", err)
		if err := r.store.UpdateMutationRetry(ctx, m.Tenant, m.ID, err.Error()); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		return nil
	}

	// The server has answered; record it even if ctx is cancelled meanwhile.
	sctx := context.WithoutCancel(ctx)
	outcome := Classify(resp.StatusCode, resp.Header)
	r.debug.LogReplay(m, outcome)

	switch outcome {
	case OutcomeSuccess, OutcomeReplayed:
		if err := r.store.RemovePendingMutation(sctx, m.Tenant, m.ID); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if m.Entity != nil {
			if err := r.store.settleEntity(sctx, m.Tenant, m.Entity); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
		}
		res.Success++

	case OutcomeConflict:
		if err := r.store.RemovePendingMutation(sctx, m.Tenant, m.ID); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if m.Entity != nil {
			if err := r.store.MarkAsConflict(sctx, m.Tenant, m.Entity.Table, m.Entity.ID); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
		}
		res.Conflicts++
		r.logger.Warn("mutation conflicts with server state", "tenant", m.Tenant, "id", m.ID, "endpoint", m.Endpoint)

	case OutcomeTransient:
		res.Failed++
		if err := r.store.UpdateMutationRetry(sctx, m.Tenant, m.ID, statusMessage(resp)); err != nil {
			return fmt.Errorf("replay: %w", err)
		}

	case OutcomeTerminal:
		rejected, err := r.store.RejectMutation(sctx, m.Tenant, m.ID, resp.StatusCode, statusMessage(resp))
		if errors.Is(err, ErrNotFound) {
			// Removed concurrently; nothing left to report.
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		// A refused entity is listed with the conflicts until re-saved.
		if m.Entity != nil {
			if err := r.store.MarkAsConflict(sctx, m.Tenant, m.Entity.Table, m.Entity.ID); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
		}
		res.Failed++
		res.Rejected = append(res.Rejected, *rejected)
		r.logger.Error("mutation rejected by server", "tenant", m.Tenant, "id", m.ID,
			"endpoint", m.Endpoint, "status", resp.StatusCode)
	}
	return nil
}

func statusMessage(resp *Response) string {
	if len(resp.Body) == 0 {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, transport.Truncate(string(resp.Body), 200))
}
