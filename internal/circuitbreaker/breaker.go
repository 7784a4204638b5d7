package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/aman-churiwal/outbound-gateway/internal/storage"
	"github.com/redis/go-redis/v9"
)

// ErrCircuitOpen is returned when dispatch is rejected by an open circuit
var ErrCircuitOpen = errors.New("circuit breaker is open")

const casAttempts = 5

type Config struct {
	FailureThreshold int           // Consecutive failures before opening. Default: 5
	Cooldown         time.Duration // Initial OPEN duration. Default: 60s
	MaxCooldown      time.Duration // Cap for escalated cooldowns. Default: 300s
}

// Breaker is a per-service circuit breaker whose state lives in the
// shared store, so every gateway process observes the same view and
// transitions happen at most once cluster-wide.
type Breaker struct {
	redis *storage.RedisClient
	cfg   Config
	now   func() time.Time
}

// CircuitState is the persisted record at breaker:<service>.
type CircuitState struct {
	State                State `json:"state"`
	ConsecutiveFailures  int   `json:"consecutive_failures"`
	ConsecutiveSuccesses int   `json:"consecutive_successes"`
	OpenedAt             int64 `json:"opened_at"`
	CooldownSeconds      int   `json:"cooldown_seconds"`
	TrialInFlight        bool  `json:"trial_in_flight"`

	TotalRequests  int64 `json:"total_requests"`
	TotalFailures  int64 `json:"total_failures"`
	TotalSuccesses int64 `json:"total_successes"`
}

func New(redisClient *storage.RedisClient, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 300 * time.Second
	}

	return &Breaker{
		redis: redisClient,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Allow reports whether a call to service may be dispatched now.
// CLOSED always allows. OPEN allows only once the cooldown has elapsed,
// which atomically moves the circuit to HALF_OPEN and hands the caller
// the single trial slot; trial is true only for the caller that won
// that slot, and only a trial owner may settle or release it. HALF_OPEN
// rejects while a trial is in flight.
//
// If the shared store is unreachable the breaker fails open: blocking
// all dispatch on a coordination outage would be worse than briefly
// losing failure isolation.
func (b *Breaker) Allow(ctx context.Context, service string) (allowed, trial bool, err error) {
	uerr := b.update(ctx, service, func(cs *CircuitState) bool {
		var write bool
		allowed, trial, write = b.admit(cs)
		return write
	})

	if uerr != nil {
		if errors.Is(uerr, redis.TxFailedErr) {
			// Lost the CAS race; another process owns the transition
			return false, false, nil
		}
		log.Printf("circuit breaker: store unreachable for %s, failing open: %v", service, uerr)
		return true, false, nil
	}

	return allowed, trial, nil
}

// admit applies the Allow transition on cs. Returns whether the call
// may proceed, whether the caller now owns the trial slot, and whether
// cs changed.
func (b *Breaker) admit(cs *CircuitState) (allowed, trial, changed bool) {
	switch cs.State {
	case StateClosed:
		return true, false, false
	case StateOpen:
		elapsed := b.now().Unix() - cs.OpenedAt
		if elapsed < int64(cs.CooldownSeconds) {
			return false, false, false
		}
		cs.State = StateHalfOpen
		cs.TrialInFlight = true
		return true, true, true
	case StateHalfOpen:
		if cs.TrialInFlight {
			return false, false, false
		}
		cs.TrialInFlight = true
		return true, true, true
	default:
		return true, false, false
	}
}

// Record feeds a call outcome into the state machine.
func (b *Breaker) Record(ctx context.Context, service string, success bool) error {
	return b.update(ctx, service, func(cs *CircuitState) bool {
		return b.applyOutcome(cs, service, success)
	})
}

func (b *Breaker) applyOutcome(cs *CircuitState, service string, success bool) bool {
	cs.TotalRequests++

	if success {
		cs.TotalSuccesses++
		cs.ConsecutiveSuccesses++
		cs.ConsecutiveFailures = 0

		if cs.State == StateHalfOpen {
			// Trial succeeded, service recovered
			cs.State = StateClosed
			cs.TrialInFlight = false
			cs.OpenedAt = 0
			cs.CooldownSeconds = int(b.cfg.Cooldown.Seconds())
		}
		return true
	}

	cs.TotalFailures++
	cs.ConsecutiveFailures++
	cs.ConsecutiveSuccesses = 0

	switch cs.State {
	case StateClosed:
		if cs.ConsecutiveFailures >= b.cfg.FailureThreshold {
			cs.State = StateOpen
			cs.OpenedAt = b.now().Unix()
			log.Printf("circuit breaker: %s opened after %d consecutive failures",
				service, cs.ConsecutiveFailures)
		}
	case StateHalfOpen:
		// Trial failed, reopen with escalated cooldown
		cs.State = StateOpen
		cs.TrialInFlight = false
		cs.OpenedAt = b.now().Unix()
		cs.CooldownSeconds = b.escalate(cs.CooldownSeconds)
		log.Printf("circuit breaker: %s reopened, cooldown now %ds",
			service, cs.CooldownSeconds)
	}
	return true
}

// ReleaseTrial gives the HALF_OPEN trial slot back when the caller
// that won it bails out before reaching the network (token acquire
// timeout, shutdown). The abandoned trial is neither a success nor a
// failure. Callers must only release a slot Allow granted them, so a
// worker admitted before the circuit opened cannot free a trial that
// belongs to someone else.
func (b *Breaker) ReleaseTrial(ctx context.Context, service string) error {
	return b.update(ctx, service, func(cs *CircuitState) bool {
		if cs.State != StateHalfOpen || !cs.TrialInFlight {
			return false
		}
		cs.TrialInFlight = false
		return true
	})
}

// Metrics returns the current persisted state for a service.
func (b *Breaker) Metrics(ctx context.Context, service string) (*CircuitState, error) {
	data, err := b.redis.Get(ctx, breakerKey(service))
	if err == redis.Nil {
		cs := b.initialState()
		return &cs, nil
	}
	if err != nil {
		return nil, err
	}

	var cs CircuitState
	if err := json.Unmarshal([]byte(data), &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// Reset forces the circuit back to CLOSED. Manual operator action.
func (b *Breaker) Reset(ctx context.Context, service string) error {
	cs := b.initialState()
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return b.redis.Set(ctx, breakerKey(service), data, 0)
}

// update runs mutate inside an optimistic WATCH transaction. mutate
// returns false to skip the write when nothing changed. Retries a
// bounded number of times when another process wins the race.
func (b *Breaker) update(ctx context.Context, service string, mutate func(*CircuitState) bool) error {
	key := breakerKey(service)

	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		lastErr = b.redis.Watch(ctx, func(tx *redis.Tx) error {
			cs := b.initialState()

			data, err := tx.Get(ctx, key).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				if uerr := json.Unmarshal([]byte(data), &cs); uerr != nil {
					// Corrupt entry: start over from CLOSED
					cs = b.initialState()
				}
			}

			if !mutate(&cs) {
				return nil
			}

			out, err := json.Marshal(cs)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)

		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, redis.TxFailedErr) {
			return lastErr
		}
	}

	return lastErr
}

func (b *Breaker) escalate(cooldownSeconds int) int {
	next := cooldownSeconds * 2
	max := int(b.cfg.MaxCooldown.Seconds())
	if next > max {
		next = max
	}
	if next <= 0 {
		next = int(b.cfg.Cooldown.Seconds())
	}
	return next
}

func (b *Breaker) initialState() CircuitState {
	return CircuitState{
		State:           StateClosed,
		CooldownSeconds: int(b.cfg.Cooldown.Seconds()),
	}
}

func breakerKey(service string) string {
	return "breaker:" + service
}
