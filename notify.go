package outbox

import (
	"context"
	"sync"
)

// Subscription delivers a tenant's pending mutation count after every change
// to that tenant's queue. Deliveries coalesce: a slow reader only ever sees
// the latest count.
type Subscription struct {
	// C receives pending counts. It is closed by Close or when the store closes.
	C <-chan int

	ch     chan int
	tenant string
	hub    *notifier
	closed bool // guarded by hub.mu
}

// Close stops delivery and closes C. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.hub.remove(sub)
}

type notifier struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	// seq orders count-then-publish so a stale count never lands last.
	seq sync.Mutex
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *notifier) add(tenant string) *Subscription {
	ch := make(chan int, 1)
	sub := &Subscription{C: ch, ch: ch, tenant: tenant, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[tenant] == nil {
		h.subs[tenant] = make(map[*Subscription]struct{})
	}
	h.subs[tenant][sub] = struct{}{}
	return sub
}

func (h *notifier) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(sub)
}

func (h *notifier) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	if set := h.subs[sub.tenant]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.tenant)
		}
	}
	close(sub.ch)
}

func (h *notifier) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for sub := range set {
			h.closeLocked(sub)
		}
	}
}

func (h *notifier) has(tenant string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[tenant]) > 0
}

func (h *notifier) publish(tenant string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[tenant] {
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- count:
		default:
		}
	}
}

// offer delivers count to sub unless a newer count is already buffered.
func (h *notifier) offer(sub *Subscription, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- count:
	default:
	}
}

// Subscribe returns a subscription to tenant's pending count. The current
// count is delivered immediately.
func (s *Store) Subscribe(ctx context.Context, tenant string) (*Subscription, error) {
	s.hub.seq.Lock()
	defer s.hub.seq.Unlock()

	sub := s.hub.add(tenant)
	n, err := s.PendingCount(ctx, tenant)
	if err != nil {
		sub.Close()
		return nil, err
	}
	s.hub.offer(sub, n)
	return sub, nil
}

// notify publishes tenant's current count to its subscribers, if any.
// Errors are dropped: the queue change itself already succeeded and the next
// change publishes a fresh count.
func (s *Store) notify(ctx context.Context, tenant string) {
	if !s.hub.has(tenant) {
		return
	}
	s.hub.seq.Lock()
	defer s.hub.seq.Unlock()
	n, err := s.PendingCount(ctx, tenant)
	if err != nil {
		return
	}
	s.hub.publish(tenant, n)
}
