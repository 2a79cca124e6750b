package tollgate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/tollgate/store"
)

// RetryPolicy bounds how often a ledger transaction is retried after a
// lock timeout or serialization failure.
type RetryPolicy struct {
	MaxTries        uint          `json:"max_tries" yaml:"max_tries"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
}

// DefaultRetryPolicy is used unless WithRetry overrides it.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        4,
	InitialInterval: 25 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// inTx runs fn in a store transaction, retrying on ErrConcurrencyConflict.
// fn must not carry state between attempts.
func (e *Engine) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	tries := max(e.retry.MaxTries, 1)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.store.RunInTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case IsRetryable(err):
			e.logger.Debug("retrying ledger transaction", "op", op, "error", err)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(e.retry.backOff()),
		backoff.WithMaxTries(tries),
	)

	if err != nil && errors.Is(err, ErrLedgerInvariantViolation) {
		e.reportViolation(ctx, op, err)
	}
	return err
}

// reportViolation logs and broadcasts state that must never occur.
func (e *Engine) reportViolation(ctx context.Context, op string, err error) {
	e.logger.Error("ledger invariant violation", "op", op, "error", err)
	e.plugins.EmitInvariantViolation(context.WithoutCancel(ctx), op, err)
}
