package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hyperengineering/outbox"
	"github.com/hyperengineering/outbox/internal/dedupe"
	"github.com/spf13/cobra"
)

var (
	devAddr      string
	devFailEvery int64
	devKeyTTL    time.Duration
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local API that honours idempotency keys",
	Long: `Run an in-memory REST API for exercising clients against.

Writes carrying X-Idempotency-Key are deduplicated: a repeat of a key that
already succeeded is answered with 409 and X-Idempotency-Replay. Creating a
record whose id already exists is a data conflict, answered with 409 and
X-Sync-Conflict.

Routes:
  GET    /api/health
  GET    /api/{resource}
  GET    /api/{resource}/{id}
  POST   /api/{resource}
  PUT    /api/{resource}/{id}
  PATCH  /api/{resource}/{id}
  DELETE /api/{resource}/{id}

With --fail-every N every Nth write fails with 503, so clients can be
watched queueing and retrying.

Example:
  outbox devserver --addr :8080
  outbox devserver --fail-every 3`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:8080", "Listen address")
	devserverCmd.Flags().Int64Var(&devFailEvery, "fail-every", 0, "Fail every Nth write with 503 (0 disables)")
	devserverCmd.Flags().DurationVar(&devKeyTTL, "key-ttl", dedupe.DefaultTTL, "How long processed idempotency keys are remembered")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	if devFailEvery < 0 {
		return fmt.Errorf("--fail-every must not be negative")
	}

	logger := outbox.NewLogger(cmd.ErrOrStderr(), levelOr(cfgLogLevel, "info"), "text")
	keys := dedupe.NewStore(devKeyTTL)
	ds := newDevStore(devFailEvery)

	srv := &http.Server{
		Addr:              devAddr,
		Handler:           newDevRouter(ds, keys, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepKeys(ctx, keys, time.Minute, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	printInfo(cmd.OutOrStdout(), "Listening on http://%s", devAddr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("devserver: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func levelOr(level, fallback string) string {
	if level == "" {
		return fallback
	}
	return level
}

func sweepKeys(ctx context.Context, keys *dedupe.Store, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := keys.Sweep(); n > 0 {
				logger.Debug("swept idempotency keys", "expired", n)
			}
		}
	}
}

type devRecord map[string]any

// devStore holds resources in memory, keyed by resource name and id.
type devStore struct {
	mu        sync.Mutex
	resources map[string]map[string]devRecord

	writes    atomic.Int64
	failEvery int64
}

func newDevStore(failEvery int64) *devStore {
	return &devStore{
		resources: make(map[string]map[string]devRecord),
		failEvery: failEvery,
	}
}

// shouldFail counts a write and reports whether it is one to fail.
func (s *devStore) shouldFail() bool {
	n := s.writes.Add(1)
	return s.failEvery > 0 && n%s.failEvery == 0
}

func (s *devStore) list(resource string) []devRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.resources[resource]))
	for id := range s.resources[resource] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]devRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.resources[resource][id])
	}
	return out
}

func (s *devStore) get(resource, id string) (devRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.resources[resource][id]
	return rec, ok
}

// create stores rec under its id, or a new one. It reports false if the id
// is taken.
func (s *devStore) create(resource string, rec devRecord) (devRecord, bool) {
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.resources[resource]
	if table == nil {
		table = make(map[string]devRecord)
		s.resources[resource] = table
	}
	if _, exists := table[id]; exists {
		return nil, false
	}
	table[id] = rec
	return rec, true
}

func (s *devStore) put(resource, id string, rec devRecord) devRecord {
	rec["id"] = id
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.resources[resource]
	if table == nil {
		table = make(map[string]devRecord)
		s.resources[resource] = table
	}
	table[id] = rec
	return rec
}

func (s *devStore) patch(resource, id string, fields devRecord) (devRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.resources[resource][id]
	if !ok {
		return nil, false
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	return rec, true
}

func (s *devStore) delete(resource, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[resource][id]; !ok {
		return false
	}
	delete(s.resources[resource], id)
	return true
}

// newDevRouter builds the devserver's routes.
func newDevRouter(ds *devStore, keys *dedupe.Store, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/{resource}", func(r chi.Router) {
		r.Get("/", ds.handleList)
		r.Get("/{id}", ds.handleGet)

		r.Group(func(r chi.Router) {
			r.Use(ds.failureInjector)
			r.Use(keys.Middleware)
			r.Post("/", ds.handleCreate)
			r.Put("/{id}", ds.handlePut)
			r.Patch("/{id}", ds.handlePatch)
			r.Delete("/{id}", ds.handleDelete)
		})
	})
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"key", r.Header.Get(dedupe.KeyHeader),
				"took", time.Since(start))
		})
	}
}

func (s *devStore) failureInjector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shouldFail() {
			http.Error(w, "injected failure", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *devStore) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.list(chi.URLParam(r, "resource")))
}

func (s *devStore) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.get(chi.URLParam(r, "resource"), chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *devStore) handleCreate(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	created, ok := s.create(chi.URLParam(r, "resource"), rec)
	if !ok {
		w.Header().Set(dedupe.ConflictHeader, "true")
		http.Error(w, "record already exists", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *devStore) handlePut(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.put(chi.URLParam(r, "resource"), chi.URLParam(r, "id"), rec))
}

func (s *devStore) handlePatch(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	rec, ok := s.patch(chi.URLParam(r, "resource"), chi.URLParam(r, "id"), fields)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *devStore) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.delete(chi.URLParam(r, "resource"), chi.URLParam(r, "id")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (devRecord, bool) {
	rec := devRecord{}
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "body must be a JSON object", http.StatusBadRequest)
		return nil, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
