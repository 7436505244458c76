package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Queue is a tenant-scoped view of the store's mutation queue.
// It holds no rows of its own; every call goes to the Store.
type Queue struct {
	store  *Store
	tenant string
}

// Queue returns the mutation queue for tenant.
func (s *Store) Queue(tenant string) *Queue {
	return &Queue{store: s, tenant: tenant}
}

// Tenant returns the tenant the queue is scoped to.
func (q *Queue) Tenant() string {
	return q.tenant
}

// Enqueue records a write with a fresh idempotency key.
func (q *Queue) Enqueue(ctx context.Context, endpoint, method string, body json.RawMessage, ref *EntityRef) (*PendingMutation, error) {
	return q.EnqueueWithKey(ctx, endpoint, method, body, ref, GenerateKey(q.tenant, endpoint))
}

// EnqueueWithKey records a write under an existing idempotency key, used when
// a direct attempt with that key could not be confirmed.
func (q *Queue) EnqueueWithKey(ctx context.Context, endpoint, method string, body json.RawMessage, ref *EntityRef, key string) (*PendingMutation, error) {
	m := &PendingMutation{
		Tenant:         q.tenant,
		Endpoint:       endpoint,
		Method:         normalizeMethod(method),
		Body:           body,
		IdempotencyKey: key,
		Entity:         ref,
	}
	if _, err := q.store.AddPendingMutation(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Pending returns the queue, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]PendingMutation, error) {
	return q.store.PendingMutations(ctx, q.tenant)
}

// Len returns the number of queued mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx, q.tenant)
}

// Stuck returns the mutations that exhausted maxRetries.
func (q *Queue) Stuck(ctx context.Context, maxRetries int) ([]PendingMutation, error) {
	return q.store.StuckMutations(ctx, q.tenant, maxRetries)
}

// Ack removes a delivered mutation.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	return q.store.RemovePendingMutation(ctx, q.tenant, id)
}

// Retry records a transient failure for a mutation.
func (q *Queue) Retry(ctx context.Context, id int64, errMsg string) error {
	return q.store.UpdateMutationRetry(ctx, q.tenant, id, errMsg)
}

// Reject moves a mutation to the rejected table.
func (q *Queue) Reject(ctx context.Context, id int64, statusCode int, errMsg string) (*RejectedMutation, error) {
	return q.store.RejectMutation(ctx, q.tenant, id, statusCode, errMsg)
}

func normalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodPost
	}
	return method
}
