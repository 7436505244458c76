package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Runner replays the active tenant in the background.
//
// A pass runs on Start, on every reconnect reported by the monitor and on
// Trigger. While a pass leaves transient failures and the monitor reports
// online, further passes are scheduled with capped exponential backoff.
// The backoff resets after a clean pass or an external trigger.
type Runner struct {
	replay  ReplayFunc
	monitor ConnectivityMonitor
	tenant  func() string
	logger  *slog.Logger

	base, max time.Duration
	passes    int

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	unsub     func()
}

// ReplayFunc runs one replay pass for tenant. Replayer.Replay is one.
type ReplayFunc func(ctx context.Context, tenant string) (*ReplayResult, error)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Tenant returns the tenant to replay. An empty result skips the pass.
	Tenant func() string

	// Monitor gates passes on connectivity and delivers reconnects. Optional.
	Monitor ConnectivityMonitor

	// Backoff and BackoffMax bound the delay between passes that leave
	// transient failures.
	Backoff    time.Duration
	BackoffMax time.Duration

	// MaxPasses bounds the rescheduled passes between triggers.
	// Defaults to DefaultMaxRetries.
	MaxPasses int

	Logger *slog.Logger
}

// NewRunner creates a stopped runner.
func NewRunner(replay ReplayFunc, cfg RunnerConfig) *Runner {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultReplayBackoff
	}
	if cfg.BackoffMax < cfg.Backoff {
		cfg.BackoffMax = cfg.Backoff
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		replay:  replay,
		monitor: cfg.Monitor,
		tenant:  cfg.Tenant,
		logger:  cfg.Logger,
		base:    cfg.Backoff,
		max:     cfg.BackoffMax,
		passes:  cfg.MaxPasses,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the runner goroutine and requests an initial pass.
// Calling Start more than once has no effect.
func (r *Runner) Start() {
	r.startOnce.Do(func() {
		if r.monitor != nil {
			r.unsub = r.monitor.OnReconnect(r.Trigger)
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-r.stop
			cancel()
		}()
		go r.run(ctx)
		r.Trigger()
	})
}

// Trigger requests a pass as soon as possible. Requests made while a pass is
// pending are merged. Never blocks.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels any pass in flight and waits for the runner to exit.
// Stop on a runner that was never started returns immediately.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		if r.unsub != nil {
			r.unsub()
		}
		close(r.stop)
	})

	// A runner that never started has no goroutine to close done.
	r.startOnce.Do(func() { close(r.done) })
	<-r.done
}

func (r *Runner) newBackoff() retry.Backoff {
	b := retry.NewExponential(r.base)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(r.max, b)
	return retry.WithMaxRetries(uint64(r.passes), b)
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		backoff = r.newBackoff()
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-r.stop:
			return
		case <-r.trigger:
			stopTimer()
			backoff = r.newBackoff()
		case <-timerC:
			timer, timerC = nil, nil
		}

		if r.monitor != nil && !r.monitor.Online() {
			continue
		}
		tenant := ""
		if r.tenant != nil {
			tenant = r.tenant()
		}
		if tenant == "" {
			continue
		}

		res, err := r.replay(ctx, tenant)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn("background replay failed", "tenant", tenant, "err", err)
		}

		if err == nil && !res.Transient() {
			backoff = r.newBackoff()
			continue
		}

		d, stop := backoff.Next()
		if stop {
			r.logger.Info("replay backoff exhausted, waiting for next trigger", "tenant", tenant)
			continue
		}
		r.logger.Debug("replay rescheduled", "tenant", tenant, "in", d)
		timer = time.NewTimer(d)
		timerC = timer.C
	}
}
