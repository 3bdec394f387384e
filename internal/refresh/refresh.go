package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/iot-stream/internal/auth"
	"github.com/rickgao/iot-stream/internal/connection"
	"github.com/rickgao/iot-stream/internal/credentials"
)

// Target is the session being kept connected.
type Target interface {
	IsConnected() bool
	Connect(ctx context.Context, creds auth.Credentials) error
}

// invalidator is implemented by credential sources that cache.
type invalidator interface {
	Invalidate(ctx context.Context) error
}

// Config holds refresher configuration.
type Config struct {
	Interval time.Duration // Check interval (default: 15s)
	Timeout  time.Duration // Per-attempt timeout for retrieve + connect (default: 60s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// Stats contains refresher statistics.
type Stats struct {
	Attempts       int64
	Failures       int64
	CredentialErrs int64
}

// Refresher reconnects the target whenever it is found disconnected.
type Refresher struct {
	cfg    Config
	source credentials.Source
	target Target
	logger *slog.Logger

	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	attempts       atomic.Int64
	failures       atomic.Int64
	credentialErrs atomic.Int64
}

// New creates a new Refresher.
func New(cfg Config, source credentials.Source, target Target, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	return &Refresher{
		cfg:    cfg,
		source: source,
		target: target,
		logger: logger.With("component", "refresh"),
		kick:   make(chan struct{}, 1),
	}
}

// Start begins the refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("refresher started", "interval", r.cfg.Interval)
	return nil
}

// Stop gracefully shuts down the refresher.
func (r *Refresher) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("refresher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests an immediate check without waiting for the next tick.
func (r *Refresher) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Stats returns current statistics.
func (r *Refresher) Stats() Stats {
	return Stats{
		Attempts:       r.attempts.Load(),
		Failures:       r.failures.Load(),
		CredentialErrs: r.credentialErrs.Load(),
	}
}

// run is the main refresh loop.
func (r *Refresher) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Check immediately on start.
	r.ensureConnected()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.ensureConnected()
		case <-r.kick:
			r.ensureConnected()
		}
	}
}

// ensureConnected fetches credentials and connects when the target is down.
func (r *Refresher) ensureConnected() {
	if r.target.IsConnected() {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()

	r.attempts.Add(1)

	creds, err := r.source.Retrieve(ctx)
	if err != nil {
		r.credentialErrs.Add(1)
		r.logger.Warn("failed to retrieve credentials", "err", err)
		return
	}

	err = r.target.Connect(ctx, creds)
	switch {
	case err == nil:
		r.logger.Info("session connected")
	case errors.Is(err, connection.ErrAlreadyConnecting):
		r.logger.Debug("connect already in progress")
	case errors.Is(err, auth.ErrConfiguration):
		r.failures.Add(1)
		r.logger.Error("cannot connect with current configuration", "err", err)
	default:
		r.failures.Add(1)
		r.logger.Warn("connect attempt failed", "err", err)
		r.invalidate(ctx)
	}
}

// invalidate drops cached credentials so the next attempt fetches fresh ones.
func (r *Refresher) invalidate(ctx context.Context) {
	inv, ok := r.source.(invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx); err != nil {
		r.logger.Warn("failed to invalidate cached credentials", "err", err)
	}
}
