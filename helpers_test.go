package outbox

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSender records requests and answers through send.
// A nil send answers 200.
type fakeSender struct {
	mu        sync.Mutex
	send      func(req *Request) (*Response, error)
	requests  []Request
	healthErr error
}

func (f *fakeSender) Send(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	fn := f.send
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return respond(http.StatusOK), nil
	}
	return fn(req)
}

func (f *fakeSender) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeSender) setSend(fn func(req *Request) (*Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.send = fn
}

func (f *fakeSender) sent() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func respond(status int) *Response {
	return &Response{StatusCode: status, Header: http.Header{}}
}

func respondConflict() *Response {
	r := respond(http.StatusConflict)
	r.Header.Set(ConflictHeader, "true")
	return r
}
