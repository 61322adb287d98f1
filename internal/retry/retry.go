// Package retry runs a setup or teardown step a bounded number of times.
// Wire-level ack retries live in the protocol handlers, not here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoAttempts = errors.New("retry: max tries must be positive")
	ErrExhausted  = errors.New("retry: attempts exhausted")
)

// Op is one attempt. attempt is 1-based.
type Op func(ctx context.Context, attempt int) error

// Result describes how a bounded retry ended.
type Result struct {
	Name     string
	Attempts int
	Errors   []error
	Err      error
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Policy configures Do.
type Policy struct {
	Name     string
	MaxTries int
	Backoff  BackoffConfig
}

// Do runs op until it succeeds, MaxTries attempts have failed, or ctx ends.
func Do(ctx context.Context, p Policy, op Op) Result {
	res := Result{Name: p.Name}
	if p.MaxTries <= 0 {
		res.Err = ErrNoAttempts
		return res
	}
	for attempt := 1; attempt <= p.MaxTries; attempt++ {
		res.Attempts = attempt
		err := op(ctx, attempt)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Errors = append(res.Errors, err)
		log.Warn().Str("step", p.Name).Int("attempt", attempt).Int("max", p.MaxTries).Err(err).Msg("retry: attempt failed")
		if attempt == p.MaxTries {
			break
		}
		delay := NextBackoffDelay(p.Backoff, attempt, nil)
		if delay <= 0 {
			if ctx.Err() != nil {
				res.Err = ctx.Err()
				return res
			}
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = ctx.Err()
			return res
		case <-timer.C:
		}
	}
	res.Err = fmt.Errorf("%w: %s after %d tries: %w", ErrExhausted, p.Name, res.Attempts, errors.Join(res.Errors...))
	return res
}

// Times is Do with no backoff and a background context.
func Times(name string, maxTries int, op func() error) Result {
	return Do(context.Background(), Policy{Name: name, MaxTries: maxTries}, func(context.Context, int) error {
		return op()
	})
}
