package circuitbreaker

type State int

const (
	// StateClosed - store calls pass through
	StateClosed State = iota

	// StateOpen - store calls fail fast without being attempted
	StateOpen

	// StateHalfOpen - probing whether the store recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Encodes the state by name in JSON responses
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
