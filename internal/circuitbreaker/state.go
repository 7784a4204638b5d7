package circuitbreaker

// State of a breaker. Persisted verbatim in the shared store, so the
// values are stable strings rather than iota ints.
type State string

const (
	// StateClosed - normal operation, requests pass through
	StateClosed State = "CLOSED"

	// StateOpen - circuit is open, requests fail immediately
	StateOpen State = "OPEN"

	// StateHalfOpen - testing if service recovered, one trial allowed
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) Valid() bool {
	switch s {
	case StateClosed, StateOpen, StateHalfOpen:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	return string(s)
}
