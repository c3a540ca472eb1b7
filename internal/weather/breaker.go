package weather

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = errors.New("forecast circuit open")

// BreakerState is the state of a Breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker wraps a Forecaster and stops calling it for Cooldown after
// Threshold consecutive failures of one error class. One probe call is let
// through after the cooldown; its outcome closes or reopens the breaker.
type Breaker struct {
	next      Forecaster
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

var _ Forecaster = (*Breaker)(nil)

// NewBreaker guards next. Non-positive arguments fall back to 3 failures
// and one minute.
func NewBreaker(next Forecaster, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
		failures:  map[string]int{},
	}
}

// State reports the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenedClass is the error class that last opened the breaker.
func (b *Breaker) OpenedClass() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedClass
}

// ForecastWeather calls the wrapped forecaster unless the breaker is open.
func (b *Breaker) ForecastWeather(ctx context.Context, where *Location) (Forecast, error) {
	if !b.allow() {
		return Forecast{}, ErrCircuitOpen
	}
	f, err := b.next.ForecastWeather(ctx, where)
	if err != nil {
		if ctx.Err() == nil {
			b.recordFailure(errorClass(err))
		}
		return Forecast{}, err
	}
	b.recordSuccess()
	return f, nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		return true
	}
	return false
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.openedClass = ""
	b.failures = map[string]int{}
}

func (b *Breaker) recordFailure(class string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.open(class)
		return
	}
	b.failures[class]++
	if b.failures[class] >= b.threshold {
		b.open(class)
	}
}

func (b *Breaker) open(class string) {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.openedClass = class
}

func errorClass(err error) string {
	var (
		apiErr    *APIError
		decodeErr *DecodeError
	)
	switch {
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.As(err, &decodeErr):
		return "decode_error"
	default:
		return "transport_error"
	}
}
