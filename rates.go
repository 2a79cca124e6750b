package tollgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/tollgate/rate"
)

// RateResolver looks up an operator's price list. Results are cached for a
// short TTL because every affordability check and status poll resolves a rate.
type RateResolver struct {
	store    rate.Store
	currency string
	ttl      time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedOperator
}

type cachedOperator struct {
	op      *rate.Operator
	expires time.Time
}

// NewRateResolver creates a resolver over s. A ttl of zero disables caching.
func NewRateResolver(s rate.Store, currency string, ttl time.Duration, now func() time.Time) *RateResolver {
	if now == nil {
		now = time.Now
	}
	return &RateResolver{
		store:    s,
		currency: currency,
		ttl:      ttl,
		now:      now,
		cache:    make(map[string]cachedOperator),
	}
}

// Resolve returns the operator's current rate plan. Missing and inactive
// operators both fail with ErrOperatorUnavailable.
func (r *RateResolver) Resolve(ctx context.Context, operatorID string) (*rate.Plan, error) {
	op, err := r.Operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	p := op.Plan
	return &p, nil
}

// Operator returns the active operator with a validated plan.
func (r *RateResolver) Operator(ctx context.Context, operatorID string) (*rate.Operator, error) {
	op, err := r.lookup(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if !op.Active {
		return nil, fmt.Errorf("%w: operator %s is inactive", ErrOperatorUnavailable, operatorID)
	}
	if err := ValidatePlan(op.Plan, r.currency); err != nil {
		return nil, fmt.Errorf("operator %s: %w", operatorID, err)
	}
	return op, nil
}

func (r *RateResolver) lookup(ctx context.Context, operatorID string) (*rate.Operator, error) {
	now := r.now()

	r.mu.RLock()
	c, ok := r.cache[operatorID]
	r.mu.RUnlock()
	if ok && now.Before(c.expires) {
		return c.op, nil
	}

	op, err := r.store.GetOperator(ctx, operatorID)
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) || errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrOperatorUnavailable, ErrOperatorNotFound)
		}
		return nil, err
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[operatorID] = cachedOperator{op: op, expires: now.Add(r.ttl)}
		r.mu.Unlock()
	}
	return op, nil
}

// Invalidate drops a cached operator.
func (r *RateResolver) Invalidate(operatorID string) {
	r.mu.Lock()
	delete(r.cache, operatorID)
	r.mu.Unlock()
}

// ValidatePlan rejects negative amounts and currencies other than currency.
func ValidatePlan(p rate.Plan, currency string) error {
	if p.HasNegative() {
		return fmt.Errorf("%w: negative amount", ErrInvalidPricing)
	}
	for _, m := range []struct {
		field string
		cur   string
	}{
		{"rate_per_minute", p.RatePerMinute.Currency},
		{"connect_fee", p.ConnectFee.Currency},
		{"rate_per_message", p.RatePerMessage.Currency},
	} {
		if m.cur != "" && m.cur != currency {
			return fmt.Errorf("%w: %s in %s, expected %s", ErrInvalidPricing, m.field, m.cur, currency)
		}
	}
	return nil
}
