package breaker

import (
	"errors"
	"time"

	cb "github.com/sony/gobreaker"
)

// Config controls when the breaker trips and how long it stays open
type Config struct {
	Name                string
	ConsecutiveFailures uint32        // trip after this many failures in a row
	OpenTimeout         time.Duration // open -> half-open delay
	OnStateChange       func(name, from, to string, value float64) // value as StateValue
}

// Breaker guards connection attempts to one upstream
type Breaker struct{ cb *cb.CircuitBreaker }

// New builds a breaker; zero fields fall back to 3 failures and 30s
func New(cfg Config) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	st := cb.Settings{Name: cfg.Name}
	st.MaxRequests = 1
	st.Timeout = cfg.OpenTimeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
	}
	if fn := cfg.OnStateChange; fn != nil {
		// Runs under the breaker's lock; must not call back into it
		st.OnStateChange = func(name string, from, to cb.State) {
			fn(name, from.String(), to.String(), stateValue(to))
		}
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Do runs fn unless the breaker is open
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current state name: closed, half-open or open
func (b *Breaker) State() string { return b.cb.State().String() }

// StateValue maps the state onto 0=closed, 1=half-open, 2=open
func (b *Breaker) StateValue() float64 { return stateValue(b.cb.State()) }

func stateValue(s cb.State) float64 {
	switch s {
	case cb.StateHalfOpen:
		return 1
	case cb.StateOpen:
		return 2
	default:
		return 0
	}
}

// IsOpen reports whether err came from a rejected call
func IsOpen(err error) bool {
	return errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests)
}
