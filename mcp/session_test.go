package mcp_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hyperengineering/outbox/mcp"
)

func TestSession_Track_AssignsSequentialRefs(t *testing.T) {
	session := mcp.NewSession()

	refs := []string{
		session.Track("acme", 10),
		session.Track("acme", 11),
		session.Track("globex", 10),
	}
	want := []string{"M1", "M2", "M3"}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref[%d] = %q, want %q", i, refs[i], want[i])
		}
	}
}

func TestSession_Track_ReturnsSameRefForDuplicate(t *testing.T) {
	session := mcp.NewSession()

	first := session.Track("acme", 7)
	second := session.Track("acme", 7)
	if first != second {
		t.Errorf("Track twice = %q, %q; want the same ref", first, second)
	}
	if session.Len() != 1 {
		t.Errorf("Len() = %d, want 1", session.Len())
	}
}

func TestSession_Resolve(t *testing.T) {
	session := mcp.NewSession()
	session.Track("globex", 42)

	tests := []struct {
		ref    string
		want   mcp.MutationRef
		wantOK bool
	}{
		{"M1", mcp.MutationRef{Tenant: "globex", ID: 42}, true},
		{" m1 ", mcp.MutationRef{Tenant: "globex", ID: 42}, true},
		{"17", mcp.MutationRef{Tenant: "acme", ID: 17}, true},
		{"M9", mcp.MutationRef{}, false},
		{"0", mcp.MutationRef{}, false},
		{"lead", mcp.MutationRef{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := session.Resolve(tt.ref, "acme")
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Resolve(%q) = %+v, %v; want %+v, %v", tt.ref, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSession_ForgetAndClear(t *testing.T) {
	session := mcp.NewSession()
	ref := session.Track("acme", 1)
	session.Track("acme", 2)

	session.Forget(ref)
	if _, ok := session.Resolve(ref, ""); ok {
		t.Error("forgotten ref should not resolve")
	}
	if session.Track("acme", 1) == ref {
		t.Error("re-tracking after Forget should assign a new ref")
	}

	session.Clear()
	if session.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", session.Len())
	}
	if got := session.Track("acme", 5); got != "M1" {
		t.Errorf("counter not reset: got %q", got)
	}
}

func TestSession_ConcurrentTrack(t *testing.T) {
	session := mcp.NewSession()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session.Track(fmt.Sprintf("t%d", i%4), int64(i))
		}(i)
	}
	wg.Wait()

	if session.Len() != 20 {
		t.Errorf("Len() = %d, want 20", session.Len())
	}
}

func TestRejectedSession_UsesOwnPrefix(t *testing.T) {
	queued := mcp.NewSession()
	rejected := mcp.NewRejectedSession()

	if got := queued.Track("acme", 3); got != "M1" {
		t.Errorf("queued ref = %q, want M1", got)
	}
	if got := rejected.Track("acme", 3); got != "R1" {
		t.Errorf("rejected ref = %q, want R1", got)
	}
	if _, ok := queued.Resolve("R1", "acme"); ok {
		t.Error("a rejected ref should not resolve in the queued session")
	}
}
