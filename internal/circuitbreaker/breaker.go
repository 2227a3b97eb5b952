package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to gobreaker.State)

// Settings configure every breaker a Registry creates.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before letting a
	// single probe request through.
	OpenTimeout   time.Duration
	OnStateChange StateChangeFunc
}

// CircuitBreaker guards one backend. Only transport failures count against
// it; any response the backend sends, 5xx included, is a success.
type CircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, s Settings) *CircuitBreaker {
	threshold := uint32(1)
	if s.FailureThreshold > 1 {
		threshold = uint32(s.FailureThreshold)
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if s.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			s.OnStateChange(name, from, to)
		}
	}

	return &CircuitBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow asks to send one request. On success the caller must invoke done
// exactly once with the outcome.
func (c *CircuitBreaker) Allow() (done func(success bool), err error) {
	done, err = c.cb.Allow()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.cb.Name())
	}
	return done, err
}

func (c *CircuitBreaker) Name() string {
	return c.cb.Name()
}

func (c *CircuitBreaker) State() gobreaker.State {
	return c.cb.State()
}

func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}
