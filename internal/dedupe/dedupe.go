// Package dedupe is server-side idempotency middleware: it remembers the
// responses to keyed writes and answers repeats without running the handler
// again.
//
// A repeat of a key whose first request succeeded gets 409 with
// X-Idempotency-Replay: true and the original body. Handlers report a genuine
// data conflict with 409 and X-Sync-Conflict: true; such responses are passed
// through and not remembered.
package dedupe

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Header names.
const (
	KeyHeader      = "X-Idempotency-Key"
	ReplayHeader   = "X-Idempotency-Replay"
	ConflictHeader = "X-Sync-Conflict"
)

// DefaultTTL is how long a processed key is remembered.
const DefaultTTL = 24 * time.Hour

const maxKeyLen = 256

type record struct {
	hash      string
	status    int
	header    http.Header
	body      []byte
	expiresAt time.Time
}

// Store remembers processed keys in memory until they expire.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	done     map[string]*record
	inflight map[string]struct{}
}

// NewStore creates a store. ttl <= 0 means DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:      ttl,
		now:      time.Now,
		done:     make(map[string]*record),
		inflight: make(map[string]struct{}),
	}
}

// Len returns the number of remembered keys, expired ones included until
// the next Sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

// Sweep drops expired keys and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, r := range s.done {
		if now.After(r.expiresAt) {
			delete(s.done, k)
			n++
		}
	}
	return n
}

// begin claims key for processing. It returns the remembered record for a
// processed key, or busy when another request holds the key.
func (s *Store) begin(key string) (rec *record, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.done[key]; ok {
		if s.now().After(r.expiresAt) {
			delete(s.done, key)
		} else {
			return r, false
		}
	}
	if _, ok := s.inflight[key]; ok {
		return nil, true
	}
	s.inflight[key] = struct{}{}
	return nil, false
}

// finish releases key, remembering rec when non-nil.
func (s *Store) finish(key string, rec *record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, key)
	if rec != nil {
		rec.expiresAt = s.now().Add(s.ttl)
		s.done[key] = rec
	}
}

// Middleware returns the idempotency middleware backed by s.
// GET, HEAD and OPTIONS requests, and requests without a key, pass through.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(KeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxKeyLen {
			http.Error(w, "idempotency key too long", http.StatusBadRequest)
			return
		}

		body, err := readBody(r)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		hash := requestHash(r, body)

		rec, busy := s.begin(key)
		if busy {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "request with this key in progress", http.StatusServiceUnavailable)
			return
		}
		if rec != nil {
			if rec.hash != hash {
				http.Error(w, "idempotency key reused with a different request", http.StatusUnprocessableEntity)
				return
			}
			for k, v := range rec.header {
				w.Header()[k] = v
			}
			w.Header().Set(ReplayHeader, "true")
			w.WriteHeader(http.StatusConflict)
			w.Write(rec.body)
			return
		}

		var buf bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&buf)

		var keep *record
		defer func() { s.finish(key, keep) }()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status >= 200 && status < 300 {
			keep = &record{
				hash:   hash,
				status: status,
				header: ww.Header().Clone(),
				body:   buf.Bytes(),
			}
		}
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))
	return buf.Bytes(), nil
}

func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
