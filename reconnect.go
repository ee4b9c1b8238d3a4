package mcpx

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter scales every delay by a random factor in [0.5, 1.5). Jittered delays
	// are no longer monotonic.
	Jitter bool
	// MaxAttempts stops reconnecting after that many consecutive failed attempts.
	// Zero retries until success or Disconnect.
	MaxAttempts int
}

// DefaultBackoffConfig returns the defaults used when WithBackoff is not given.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		if cfg.Multiplier < 1.0 {
			cfg.Multiplier = 1.0
		}
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	// Without MaxDelay the product eventually leaves the int64 range.
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

type reconnectState int

const (
	reconnectIdle reconnectState = iota
	reconnectWaiting
	reconnectAttempting
)

func (s reconnectState) String() string {
	switch s {
	case reconnectWaiting:
		return "waiting"
	case reconnectAttempting:
		return "attempting"
	default:
		return "idle"
	}
}

// reconnector schedules reconnect attempts after connection loss. It owns the
// backoff state: attempts counts consecutive scheduled attempts since the last
// successful connection.
type reconnector struct {
	cfg     BackoffConfig
	clock   Clock
	logger  *slog.Logger
	rng     *rand.Rand
	connect func(ctx context.Context) error

	// onGiveUp runs outside the lock when MaxAttempts is exhausted.
	onGiveUp func(err error)
	// onSchedule runs under the lock each time an attempt is scheduled.
	onSchedule func(attempt int, delay time.Duration)

	mu            sync.Mutex
	state         reconnectState
	attempts      int
	disarmed      bool
	lostInAttempt bool
	timer         Timer
	cancelAttempt context.CancelFunc
}

func newReconnector(cfg BackoffConfig, clock Clock, logger *slog.Logger, connect func(context.Context) error) *reconnector {
	var rng *rand.Rand
	if cfg.Jitter {
		rng = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}
	return &reconnector{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		rng:     rng,
		connect: connect,
	}
}

// connectionLost schedules exactly one reconnect attempt per loss. It reports false
// when the controller is disarmed or already busy.
func (r *reconnector) connectionLost() bool {
	r.mu.Lock()
	if r.disarmed {
		r.mu.Unlock()
		return false
	}
	switch r.state {
	case reconnectAttempting:
		// The attempt connected and lost the link before fire regained the lock.
		r.lostInAttempt = true
		r.mu.Unlock()
		return false
	case reconnectWaiting:
		r.mu.Unlock()
		return false
	}
	exhausted := r.scheduleLocked()
	r.mu.Unlock()

	if exhausted {
		r.giveUp()
		return false
	}
	return true
}

// reset returns the backoff to its base delay.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// disarm stops any pending timer and in-flight attempt. No attempt is scheduled
// afterwards.
func (r *reconnector) disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disarmed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancelAttempt != nil {
		r.cancelAttempt()
		r.cancelAttempt = nil
	}
	r.state = reconnectIdle
}

// snapshot returns the current state and attempt count.
func (r *reconnector) snapshot() (reconnectState, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.attempts
}

func (r *reconnector) fire() {
	r.mu.Lock()
	if r.disarmed || r.state != reconnectWaiting {
		r.mu.Unlock()
		return
	}
	r.state = reconnectAttempting
	r.timer = nil
	r.lostInAttempt = false
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelAttempt = cancel
	attempt := r.attempts
	r.mu.Unlock()

	r.logger.Info("reconnect attempt", "attempt", attempt)
	err := r.connect(ctx)
	cancel()

	r.mu.Lock()
	r.cancelAttempt = nil
	if r.disarmed {
		r.mu.Unlock()
		return
	}
	r.state = reconnectIdle
	if err == nil {
		r.attempts = 0
		if !r.lostInAttempt {
			r.mu.Unlock()
			return
		}
	} else {
		r.logger.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
	}
	exhausted := r.scheduleLocked()
	r.mu.Unlock()

	if exhausted {
		r.giveUp()
	}
}

// scheduleLocked arms the timer for the next attempt, or reports true when the
// attempt ceiling is reached.
func (r *reconnector) scheduleLocked() bool {
	if r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts {
		r.state = reconnectIdle
		return true
	}
	r.attempts++
	delay := NextBackoffDelay(r.cfg, r.attempts, r.rng)
	r.state = reconnectWaiting
	r.timer = r.clock.AfterFunc(delay, r.fire)
	if r.onSchedule != nil {
		r.onSchedule(r.attempts, delay)
	}
	r.logger.Info("reconnect scheduled", "attempt", r.attempts, "delay", delay)
	return false
}

func (r *reconnector) giveUp() {
	r.logger.Error("giving up reconnecting", "attempts", r.cfg.MaxAttempts)
	if r.onGiveUp != nil {
		r.onGiveUp(ErrReconnectExhausted)
	}
}
