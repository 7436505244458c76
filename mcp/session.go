package mcp

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MutationRef locates a queued or rejected mutation.
type MutationRef struct {
	Tenant string
	ID     int64
}

// Session hands out short references (M1, M2, ...) for mutations listed
// during a session, so an agent can requeue or discard without copying
// row ids. The counter is global across tenants.
type Session struct {
	prefix  string
	mu      sync.Mutex
	refs    map[string]MutationRef // session ref -> mutation
	reverse map[MutationRef]string
	counter int
}

// NewSession creates an empty session for queued mutations (M1, M2, ...).
func NewSession() *Session {
	return newSession("M")
}

// NewRejectedSession creates an empty session for rejected mutations
// (R1, R2, ...), whose ids are separate from the queue's.
func NewRejectedSession() *Session {
	return newSession("R")
}

func newSession(prefix string) *Session {
	return &Session{
		prefix:  prefix,
		refs:    make(map[string]MutationRef),
		reverse: make(map[MutationRef]string),
	}
}

// Track returns the session reference for a mutation, assigning one on
// first sight.
func (s *Session) Track(tenant string, id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := MutationRef{Tenant: tenant, ID: id}
	if ref, ok := s.reverse[key]; ok {
		return ref
	}

	s.counter++
	ref := fmt.Sprintf("%s%d", s.prefix, s.counter)
	s.refs[ref] = key
	s.reverse[key] = ref
	return ref
}

// Resolve converts a session reference back to its mutation.
// A bare numeric id is accepted for the given tenant.
func (s *Session) Resolve(ref, tenant string) (MutationRef, bool) {
	ref = strings.TrimSpace(ref)

	s.mu.Lock()
	m, ok := s.refs[strings.ToUpper(ref)]
	s.mu.Unlock()
	if ok {
		return m, true
	}

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return MutationRef{Tenant: tenant, ID: id}, true
	}
	return MutationRef{}, false
}

// Forget drops a reference whose mutation no longer exists.
func (s *Session) Forget(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref = strings.ToUpper(ref)
	if m, ok := s.refs[ref]; ok {
		delete(s.reverse, m)
		delete(s.refs, ref)
	}
}

// Len returns the number of live references.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Clear resets the session, including the counter.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]MutationRef)
	s.reverse = make(map[MutationRef]string)
	s.counter = 0
}
