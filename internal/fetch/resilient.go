package fetch

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/retrier"
)

// Resilient retries temporary failures of next and stops calling it while
// the origin keeps failing.
type Resilient struct {
	next    Fetcher
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier
	logger  *zap.Logger
}

var _ Fetcher = (*Resilient)(nil)

// NewResilient wraps next. A nil retrier disables retries.
func NewResilient(next Fetcher, settings gobreaker.Settings, r *retrier.Retrier, logger *zap.Logger) *Resilient {
	if settings.Name == "" {
		settings.Name = "origin"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prev := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("Origin circuit breaker changed state",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if prev != nil {
			prev(name, from, to)
		}
	}
	return &Resilient{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
		retrier: r,
		logger:  logger,
	}
}

// Fetch calls next through the breaker and the retrier.
func (r *Resilient) Fetch(ctx context.Context, url string) (*Response, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		var resp *Response
		call := func() error {
			var err error
			resp, err = r.next.Fetch(ctx, url)
			return err
		}
		var err error
		if r.retrier == nil {
			err = call()
		} else {
			err = r.retrier.Run(ctx, call)
		}
		return resp, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &models.NetworkError{URL: url, Err: err}
		}
		return nil, err
	}
	return out.(*Response), nil
}

// State reports the breaker state, for health checks.
func (r *Resilient) State() gobreaker.State { return r.breaker.State() }
