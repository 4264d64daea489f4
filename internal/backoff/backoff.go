// Package backoff implements the exponential-backoff reconnect scheduler
// shared by every client-side service loop.
package backoff

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/metrics"
)

// Calculator turns an attempt number into a delay, independent of any
// scheduling state.
type Calculator struct {
	cfg config.BackoffConfig
}

// NewCalculator builds a Calculator from cfg.
func NewCalculator(cfg config.BackoffConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// Delay returns the base delay for the given attempt number (0-indexed),
// before jitter is applied.
func (c *Calculator) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.cfg.InitialDelay
	}
	d := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}
	return time.Duration(d)
}

// Jitter randomizes d by ±cfg.Jitter of its value.
func (c *Calculator) Jitter(d time.Duration) time.Duration {
	if c.cfg.Jitter <= 0 {
		return d
	}
	span := float64(d) * c.cfg.Jitter
	offset := (float64(time.Now().UnixNano()%1000)/1000.0 - 0.5) * 2 * span
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return d
	}
	return result
}

// Reconnector drives one target's reconnect attempts with exponential
// backoff, unbounded elapsed time, and a reset on success. One Reconnector
// serves exactly one client service; the server side has no analogous
// concept since it never dials out.
type Reconnector struct {
	calc     *Calculator
	callback func() error
	metrics  *metrics.Metrics
	service  string
	logger   *slog.Logger

	mu        sync.Mutex
	attempts  int
	nextDelay time.Duration
	lastDelay time.Duration
	timer     *time.Timer
	closed    bool
	paused    bool
}

// NewReconnector builds a Reconnector that invokes callback on each
// scheduled attempt, recording every attempt's service label and delay
// against m and logging each failure through logger. logger may be nil.
func NewReconnector(cfg config.BackoffConfig, service string, m *metrics.Metrics, logger *slog.Logger, callback func() error) *Reconnector {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Reconnector{
		calc:      NewCalculator(cfg),
		callback:  callback,
		metrics:   m,
		service:   service,
		logger:    logger,
		nextDelay: cfg.InitialDelay,
	}
}

// Schedule arms a timer for the next attempt, replacing any pending one.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLocked()
}

func (r *Reconnector) scheduleLocked() {
	if r.closed || r.paused {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delay := r.calc.Jitter(r.nextDelay)
	r.lastDelay = delay
	r.timer = time.AfterFunc(delay, r.attempt)
}

func (r *Reconnector) attempt() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.attempts++
	r.nextDelay = r.calc.Delay(r.attempts)
	if r.metrics != nil {
		r.metrics.ReconnectAttempt(r.service, r.lastDelay.Seconds())
	}
	r.mu.Unlock()

	err := r.callback()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err != nil {
		r.logger.Warn("reconnect attempt failed", logging.KeyAttempt, r.attempts, logging.KeyDuration, r.nextDelay, logging.KeyError, err)
		r.scheduleLocked()
		return
	}
	r.attempts = 0
	r.nextDelay = r.calc.cfg.InitialDelay
}

// Attempts reports how many consecutive failed attempts have occurred since
// the last success.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Reset clears attempt history and cancels any pending timer, used when the
// caller succeeds through a path other than the scheduled callback.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempts = 0
	r.nextDelay = r.calc.cfg.InitialDelay
}

// Pause stops any pending timer without clearing attempt history.
func (r *Reconnector) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.closed {
		return
	}
	r.paused = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Resume allows scheduling again after Pause. Callers must call Schedule
// explicitly to queue the next attempt.
func (r *Reconnector) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// Stop permanently halts the reconnector.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
