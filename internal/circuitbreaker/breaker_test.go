package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(at time.Time) *Breaker {
	b := New(nil, Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		MaxCooldown:      300 * time.Second,
	})
	b.now = func() time.Time { return at }
	return b
}

func TestConfigDefaults(t *testing.T) {
	b := New(nil, Config{})

	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, b.cfg.Cooldown)
	assert.Equal(t, 300*time.Second, b.cfg.MaxCooldown)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newTestBreaker(now)
	cs := b.initialState()

	for i := 0; i < 4; i++ {
		b.applyOutcome(&cs, "crm", false)
		assert.Equal(t, StateClosed, cs.State, "must stay closed below the threshold")
	}

	b.applyOutcome(&cs, "crm", false)
	assert.Equal(t, StateOpen, cs.State)
	assert.Equal(t, now.Unix(), cs.OpenedAt)
	assert.Equal(t, 5, cs.ConsecutiveFailures)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := newTestBreaker(time.Unix(1000, 0))
	cs := b.initialState()

	b.applyOutcome(&cs, "crm", false)
	b.applyOutcome(&cs, "crm", false)
	b.applyOutcome(&cs, "crm", true)

	assert.Equal(t, StateClosed, cs.State)
	assert.Equal(t, 0, cs.ConsecutiveFailures)

	// A fresh streak is needed to open
	for i := 0; i < 4; i++ {
		b.applyOutcome(&cs, "crm", false)
	}
	assert.Equal(t, StateClosed, cs.State)
}

func TestOpenRejectsUntilCooldownElapses(t *testing.T) {
	opened := time.Unix(1000, 0)
	b := newTestBreaker(opened)
	cs := b.initialState()

	for i := 0; i < 5; i++ {
		b.applyOutcome(&cs, "crm", false)
	}
	require.Equal(t, StateOpen, cs.State)

	// Mid-cooldown: rejected, no write
	b.now = func() time.Time { return opened.Add(30 * time.Second) }
	allowed, trial, changed := b.admit(&cs)
	assert.False(t, allowed)
	assert.False(t, trial)
	assert.False(t, changed)
	assert.Equal(t, StateOpen, cs.State)

	// Cooldown over: single trial handed out
	b.now = func() time.Time { return opened.Add(61 * time.Second) }
	allowed, trial, changed = b.admit(&cs)
	assert.True(t, allowed)
	assert.True(t, trial)
	assert.True(t, changed)
	assert.Equal(t, StateHalfOpen, cs.State)
	assert.True(t, cs.TrialInFlight)
}

func TestHalfOpenAllowsOnlyOneTrial(t *testing.T) {
	b := newTestBreaker(time.Unix(1000, 0))
	cs := CircuitState{State: StateHalfOpen, CooldownSeconds: 60}

	allowed, trial, _ := b.admit(&cs)
	require.True(t, allowed)
	require.True(t, trial)
	require.True(t, cs.TrialInFlight)

	// Concurrent caller loses while the trial is pending
	allowed, trial, changed := b.admit(&cs)
	assert.False(t, allowed)
	assert.False(t, trial)
	assert.False(t, changed)
}

func TestAdmitReportsTrialOwnership(t *testing.T) {
	opened := time.Unix(1000, 0)
	b := newTestBreaker(opened)

	// A caller admitted while CLOSED never owns the trial slot
	cs := b.initialState()
	allowed, trial, _ := b.admit(&cs)
	require.True(t, allowed)
	assert.False(t, trial)

	// The circuit opens behind that caller, cools down, and another
	// caller wins the trial
	for i := 0; i < 5; i++ {
		b.applyOutcome(&cs, "crm", false)
	}
	b.now = func() time.Time { return opened.Add(61 * time.Second) }
	allowed, trial, _ = b.admit(&cs)
	require.True(t, allowed)
	require.True(t, trial)
	require.True(t, cs.TrialInFlight)

	// The slot stays held against everyone who did not win it; only
	// the owner may hand it back, so a non-owner bailing out of its
	// call leaves TrialInFlight untouched and no second trial runs
	allowed, trial, _ = b.admit(&cs)
	assert.False(t, allowed)
	assert.False(t, trial)
	assert.True(t, cs.TrialInFlight)
}

func TestTrialSuccessCloses(t *testing.T) {
	b := newTestBreaker(time.Unix(1000, 0))
	cs := CircuitState{
		State:           StateHalfOpen,
		TrialInFlight:   true,
		OpenedAt:        900,
		CooldownSeconds: 120,
	}

	b.applyOutcome(&cs, "crm", true)

	assert.Equal(t, StateClosed, cs.State)
	assert.False(t, cs.TrialInFlight)
	assert.Zero(t, cs.OpenedAt)
	assert.Equal(t, 60, cs.CooldownSeconds, "cooldown resets to base on recovery")
}

func TestTrialFailureEscalatesCooldown(t *testing.T) {
	now := time.Unix(2000, 0)
	b := newTestBreaker(now)
	cs := CircuitState{
		State:           StateHalfOpen,
		TrialInFlight:   true,
		CooldownSeconds: 60,
	}

	b.applyOutcome(&cs, "crm", false)

	assert.Equal(t, StateOpen, cs.State)
	assert.False(t, cs.TrialInFlight)
	assert.Equal(t, now.Unix(), cs.OpenedAt)
	assert.Equal(t, 120, cs.CooldownSeconds)
}

func TestEscalateCapsAtMaxCooldown(t *testing.T) {
	b := newTestBreaker(time.Unix(1000, 0))

	assert.Equal(t, 120, b.escalate(60))
	assert.Equal(t, 240, b.escalate(120))
	assert.Equal(t, 300, b.escalate(240))
	assert.Equal(t, 300, b.escalate(300))
	assert.Equal(t, 60, b.escalate(0), "degenerate cooldown falls back to base")
}

func TestCountersTrackTotals(t *testing.T) {
	b := newTestBreaker(time.Unix(1000, 0))
	cs := b.initialState()

	b.applyOutcome(&cs, "crm", true)
	b.applyOutcome(&cs, "crm", false)
	b.applyOutcome(&cs, "crm", true)

	assert.Equal(t, int64(3), cs.TotalRequests)
	assert.Equal(t, int64(2), cs.TotalSuccesses)
	assert.Equal(t, int64(1), cs.TotalFailures)
}

func TestStateValid(t *testing.T) {
	assert.True(t, StateClosed.Valid())
	assert.True(t, StateOpen.Valid())
	assert.True(t, StateHalfOpen.Valid())
	assert.False(t, State("UNKNOWN").Valid())
	assert.Equal(t, "CLOSED", StateClosed.String())
}
