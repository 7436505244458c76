package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperengineering/outbox/internal/dedupe"
)

func newTestDevServer(t *testing.T, failEvery int64) (*httptest.Server, *devStore) {
	t.Helper()
	ds := newDevStore(failEvery)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(newDevRouter(ds, dedupe.NewStore(0), logger))
	t.Cleanup(srv.Close)
	return srv, ds
}

func send(t *testing.T, method, url, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set(dedupe.KeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDevServer_Health(t *testing.T) {
	srv, _ := newTestDevServer(t, 0)

	resp := send(t, http.MethodGet, srv.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDevServer_CreateAssignsID(t *testing.T) {
	srv, ds := newTestDevServer(t, 0)

	resp := send(t, http.MethodPost, srv.URL+"/api/leads", "k1", `{"name":"Ada"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rec map[string]any
	json.NewDecoder(resp.Body).Decode(&rec)
	id, _ := rec["id"].(string)
	if id == "" {
		t.Fatal("created record has no id")
	}
	if _, ok := ds.get("leads", id); !ok {
		t.Error("record not stored")
	}
}

func TestDevServer_RepeatedKeyIsReplayed(t *testing.T) {
	srv, ds := newTestDevServer(t, 0)

	send(t, http.MethodPost, srv.URL+"/api/leads", "k1", `{"id":"lead-1"}`)
	resp := send(t, http.MethodPost, srv.URL+"/api/leads", "k1", `{"id":"lead-1"}`)

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if resp.Header.Get(dedupe.ReplayHeader) != "true" {
		t.Error("repeat should carry the replay header")
	}
	if resp.Header.Get(dedupe.ConflictHeader) != "" {
		t.Error("repeat must not be flagged as a data conflict")
	}
	if n := len(ds.list("leads")); n != 1 {
		t.Errorf("stored %d leads, want 1", n)
	}
}

func TestDevServer_DuplicateIDIsConflict(t *testing.T) {
	srv, _ := newTestDevServer(t, 0)

	send(t, http.MethodPost, srv.URL+"/api/leads", "k1", `{"id":"lead-1"}`)
	resp := send(t, http.MethodPost, srv.URL+"/api/leads", "k2", `{"id":"lead-1"}`)

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if resp.Header.Get(dedupe.ConflictHeader) != "true" {
		t.Error("duplicate id should be flagged as a data conflict")
	}
}

func TestDevServer_UpdateAndDelete(t *testing.T) {
	srv, ds := newTestDevServer(t, 0)

	if resp := send(t, http.MethodPatch, srv.URL+"/api/work-orders/wo-1", "k1", `{"status":"done"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("patch missing = %d, want 404", resp.StatusCode)
	}
	if resp := send(t, http.MethodPut, srv.URL+"/api/work-orders/wo-1", "k2", `{"status":"open","crew":"a"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("put = %d", resp.StatusCode)
	}
	if resp := send(t, http.MethodPatch, srv.URL+"/api/work-orders/wo-1", "k3", `{"status":"done","id":"other"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("patch = %d", resp.StatusCode)
	}

	rec, _ := ds.get("work-orders", "wo-1")
	if rec["status"] != "done" || rec["crew"] != "a" || rec["id"] != "wo-1" {
		t.Errorf("record = %v", rec)
	}

	if resp := send(t, http.MethodDelete, srv.URL+"/api/work-orders/wo-1", "k4", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete = %d", resp.StatusCode)
	}
	if resp := send(t, http.MethodGet, srv.URL+"/api/work-orders/wo-1", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
}

func TestDevServer_BadBody(t *testing.T) {
	srv, _ := newTestDevServer(t, 0)

	resp := send(t, http.MethodPost, srv.URL+"/api/leads", "k1", `[1,2]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDevServer_ListSortedByID(t *testing.T) {
	srv, _ := newTestDevServer(t, 0)

	send(t, http.MethodPost, srv.URL+"/api/leads", "", `{"id":"b"}`)
	send(t, http.MethodPost, srv.URL+"/api/leads", "", `{"id":"a"}`)

	resp := send(t, http.MethodGet, srv.URL+"/api/leads", "", "")
	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0]["id"] != "a" || list[1]["id"] != "b" {
		t.Errorf("list = %v", list)
	}
}

func TestDevServer_FailEvery(t *testing.T) {
	srv, ds := newTestDevServer(t, 2)

	codes := []int{
		send(t, http.MethodPost, srv.URL+"/api/leads", "k1", `{"id":"1"}`).StatusCode,
		send(t, http.MethodPost, srv.URL+"/api/leads", "k2", `{"id":"2"}`).StatusCode,
		send(t, http.MethodPost, srv.URL+"/api/leads", "k2", `{"id":"2"}`).StatusCode,
	}
	want := []int{http.StatusCreated, http.StatusServiceUnavailable, http.StatusCreated}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("write %d status = %d, want %d", i+1, codes[i], want[i])
		}
	}
	if n := len(ds.list("leads")); n != 2 {
		t.Errorf("stored %d leads, want 2", n)
	}
}
