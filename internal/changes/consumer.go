// Package changes drives a metadata store's changes feed as a long-lived
// cooperative task (§5 "Long-running sources"): a state machine over
// {connecting, streaming, reconciling, failed} that reconnects with
// exponential backoff and re-runs a caller-supplied reconciliation step on
// every fresh connection, resuming from the last sequence number it
// observed. The resume position lives in memory only — a process restart
// reconciles from scratch rather than trusting a stale token.
package changes

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
)

// State is a consumer's place in its connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateReconciling
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReconciling:
		return "reconciling"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Source is the subset of metastore.Store the consumer drives: a resumable
// changes feed keyed by sequence number.
type Source interface {
	Watch(ctx context.Context, sinceSeq uint64) (<-chan metastore.Change, error)
}

// Reconcile re-derives whatever materialized state the caller keeps. It
// runs once per successful connection, before any event from that
// connection is applied (§5: "reconciliation runs on transition
// connecting -> streaming").
type Reconcile func(ctx context.Context) error

// Apply processes a single changes-feed event, in feed order.
type Apply func(ctx context.Context, change metastore.Change)

// Config tunes reconnect backoff. Shaped after the transient-failure
// policy's fields (initial delay, cap, multiplier, jitter), but governs an
// open-ended reconnect loop rather than a single bounded operation.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFrac   float64
	MaxAttempts  int // consecutive connect/reconcile failures before giving up; 0 means unlimited
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = 0.25
	}
	return c
}

// Consumer runs a changes feed as a long-lived cooperative task.
type Consumer struct {
	source    Source
	cfg       Config
	reconcile Reconcile
	apply     Apply

	mu       sync.RWMutex
	state    State
	resumeAt uint64
	lastErr  error
}

// New builds a Consumer. reconcile may be nil if the caller has nothing to
// re-derive on connect.
func New(source Source, cfg Config, reconcile Reconcile, apply Apply) *Consumer {
	return &Consumer{source: source, cfg: cfg.withDefaults(), reconcile: reconcile, apply: apply, state: StateConnecting}
}

// State reports the consumer's current lifecycle state.
func (c *Consumer) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError reports the error behind the most recent connect/reconcile
// failure, if any.
func (c *Consumer) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Start performs the first connect-and-reconcile cycle synchronously, so a
// caller can block setup that depends on it (e.g. exposing the VFS mount)
// on a single call, then hands streaming and all future reconnects to a
// background goroutine. It returns the error from the initial cycle if
// every attempt (up to cfg.MaxAttempts) failed or ctx was canceled first.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.connectWithRetry(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	c.setState(StateStreaming)
	go c.run(ctx, ch)
	return nil
}

// run streams ch until it closes, then reconnects with backoff, looping
// until ctx is canceled or a reconnect attempt budget is exhausted.
func (c *Consumer) run(ctx context.Context, ch <-chan metastore.Change) {
	for {
		if c.streamUntilClosed(ctx, ch) {
			return
		}
		next, err := c.connectWithRetry(ctx)
		if err != nil {
			c.setState(StateFailed)
			return
		}
		c.setState(StateStreaming)
		ch = next
	}
}

// streamUntilClosed applies events from ch as they arrive. It returns true
// if ctx was canceled, false if the channel closed on its own (the feed
// disconnected and the caller should reconnect).
func (c *Consumer) streamUntilClosed(ctx context.Context, ch <-chan metastore.Change) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case change, ok := <-ch:
			if !ok {
				return false
			}
			c.apply(ctx, change)
			c.setResumeSeq(change.Seq)
		}
	}
}

// connectOnce attempts a single connect-and-reconcile cycle.
func (c *Consumer) connectOnce(ctx context.Context) (<-chan metastore.Change, error) {
	c.setState(StateConnecting)
	ch, err := c.source.Watch(ctx, c.resumeSeq())
	if err != nil {
		return nil, err
	}
	c.setState(StateReconciling)
	if c.reconcile != nil {
		if err := c.reconcile(ctx); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// connectWithRetry retries connectOnce with exponential backoff until it
// succeeds, ctx is canceled, or cfg.MaxAttempts consecutive failures have
// accumulated.
func (c *Consumer) connectWithRetry(ctx context.Context) (<-chan metastore.Change, error) {
	delay := c.cfg.InitialDelay
	attempt := 0

	for {
		ch, err := c.connectOnce(ctx)
		if err == nil {
			return ch, nil
		}

		attempt++
		c.recordErr(err)
		slog.Warn("changes: connect/reconcile failed, retrying", "attempt", attempt, "error", err)

		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			return nil, err
		}
		if !c.sleep(ctx, &delay) {
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) resumeSeq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resumeAt
}

func (c *Consumer) setResumeSeq(seq uint64) {
	c.mu.Lock()
	c.resumeAt = seq
	c.mu.Unlock()
}

func (c *Consumer) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// sleep waits out *delay (advancing it for the next call) or returns false
// if ctx is canceled first.
func (c *Consumer) sleep(ctx context.Context, delay *time.Duration) bool {
	wait := *delay
	if c.cfg.JitterFrac > 0 {
		jitter := float64(wait) * c.cfg.JitterFrac * (rand.Float64()*2 - 1)
		wait += time.Duration(jitter)
		if wait < 0 {
			wait = 0
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	next := time.Duration(float64(*delay) * c.cfg.Multiplier)
	if next > c.cfg.MaxDelay {
		next = c.cfg.MaxDelay
	}
	*delay = next
	return true
}
