// Package circuit guards network strategies with a circuit breaker, so an
// unreachable shared cache costs a build one timeout instead of one per entry.
package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/bundlecache/bundlecache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests through
	StateClosed State = iota
	// StateOpen rejects requests until the timeout passes
	StateOpen
	// StateHalfOpen lets a limited number of trial requests through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// MaxRequests is the number of trial requests allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval clears the closed-state counts periodically
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration `yaml:"timeout"`

	// OnStateChange is called with the breaker's lock held; it must not call back into the breaker
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsFailure decides whether an error counts against the backend
	IsFailure func(err error) bool `yaml:"-"`
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a closed breaker
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// defaultIsFailure ignores cancellations made by the caller.
func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if stderr.Is(err, context.Canceled) || errors.HasCode(err, errors.ErrCodeOperationCanceled) {
		return false
	}
	return true
}

// Execute runs fn unless the breaker is open. A rejected call returns a
// CONNECTION_CIRCUIT_OPEN error without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

// Rejected reports whether err is a breaker rejection.
func Rejected(err error) bool {
	return errors.HasCode(err, errors.ErrCodeCircuitOpen)
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if state == StateOpen {
		return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open").
			WithComponent(b.name).
			WithDetail("retry_after", b.expiry.Format(time.RFC3339))
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return errors.NewError(errors.ErrCodeCircuitOpen, "too many requests in half-open state").
			WithComponent(b.name)
	}

	b.counts.onRequest()
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if !b.config.IsFailure(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.clear()
	b.setState(StateClosed, time.Now())
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}
