package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/session"
	"github.com/xraph/tollgate/types"
)

// tx stages writes on private copies. Nothing is visible to other readers
// until commit, and rollback is simply dropping the copies.
type tx struct {
	s *Store

	held []string
	has  map[string]bool

	sessions  map[string]*session.Session
	accounts  map[string]*balance.Account
	grants    map[string]*entitlement.Grant
	missing   map[string]bool
	entries   []*journal.Entry
	reversals map[string]string
}

func newTx(s *Store) *tx {
	return &tx{
		s:         s,
		has:       make(map[string]bool),
		sessions:  make(map[string]*session.Session),
		accounts:  make(map[string]*balance.Account),
		grants:    make(map[string]*entitlement.Grant),
		missing:   make(map[string]bool),
		reversals: make(map[string]string),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if t.has[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.has[key] = true
	t.held = append(t.held, key)
	return nil
}

func (t *tx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
	t.has = map[string]bool{}
}

func (t *tx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, sess := range t.sessions {
		s.sessions[k] = sess
	}
	for k, a := range t.accounts {
		s.accounts[k] = a
	}
	for k, g := range t.grants {
		s.grants[k] = g
	}
	for _, e := range t.entries {
		s.entryIndex[e.ID.String()] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	for orig, rev := range t.reversals {
		s.reversedBy[orig] = rev
	}
}

// ==================== Sessions ====================

func (t *tx) LockSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	key := sessionID.String()
	if err := t.lock(ctx, sessionKey(key)); err != nil {
		return nil, err
	}
	if sess, ok := t.sessions[key]; ok {
		return sess.Clone(), nil
	}

	t.s.mu.RLock()
	sess, ok := t.s.sessions[key]
	t.s.mu.RUnlock()
	if !ok {
		return nil, tollgate.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (t *tx) CreateSession(ctx context.Context, sess *session.Session) error {
	key := sess.ID.String()
	if err := t.lock(ctx, sessionKey(key)); err != nil {
		return err
	}

	t.s.mu.RLock()
	_, exists := t.s.sessions[key]
	t.s.mu.RUnlock()
	if _, staged := t.sessions[key]; exists || staged {
		return tollgate.ErrAlreadyExists
	}

	t.sessions[key] = sess.Clone()
	return nil
}

func (t *tx) UpdateSession(ctx context.Context, sess *session.Session) error {
	key := sess.ID.String()
	if err := t.lock(ctx, sessionKey(key)); err != nil {
		return err
	}

	if _, staged := t.sessions[key]; !staged {
		t.s.mu.RLock()
		_, exists := t.s.sessions[key]
		t.s.mu.RUnlock()
		if !exists {
			return tollgate.ErrSessionNotFound
		}
	}

	c := sess.Clone()
	c.Touch()
	t.sessions[key] = c
	return nil
}

// ==================== Balances ====================

func (t *tx) account(ctx context.Context, customerID string) (*balance.Account, error) {
	if err := t.lock(ctx, customerKey(customerID)); err != nil {
		return nil, err
	}
	if a, ok := t.accounts[customerID]; ok {
		return a, nil
	}

	t.s.mu.RLock()
	a, ok := t.s.accounts[customerID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, tollgate.ErrCustomerNotFound
	}

	c := cloneAccount(a)
	t.accounts[customerID] = c
	return c, nil
}

func (t *tx) Debit(ctx context.Context, customerID string, amount types.Money) (types.Money, error) {
	a, err := t.account(ctx, customerID)
	if err != nil {
		return types.Money{}, err
	}
	if !a.Balance.SameCurrency(amount) {
		return a.Balance, fmt.Errorf("%w: %s debit on %s account", tollgate.ErrInvalidAmount, amount.Currency, a.Balance.Currency)
	}
	if a.Balance.Amount < amount.Amount {
		return a.Balance, tollgate.ErrInsufficientFunds
	}

	a.Balance = a.Balance.Subtract(amount)
	a.Touch()
	return a.Balance, nil
}

func (t *tx) Credit(ctx context.Context, customerID string, amount types.Money) (types.Money, error) {
	a, err := t.account(ctx, customerID)
	if err != nil {
		return types.Money{}, err
	}
	if !a.Balance.SameCurrency(amount) {
		return a.Balance, fmt.Errorf("%w: %s credit on %s account", tollgate.ErrInvalidAmount, amount.Currency, a.Balance.Currency)
	}

	a.Balance = a.Balance.Add(amount)
	a.Touch()
	return a.Balance, nil
}

// ==================== Grants ====================

// grant returns the staged grant, or nil when the pair has none. Grants are
// guarded by the customer lock.
func (t *tx) grant(ctx context.Context, customerID, operatorID string) (*entitlement.Grant, error) {
	if err := t.lock(ctx, customerKey(customerID)); err != nil {
		return nil, err
	}

	k := entitlement.Key(customerID, operatorID)
	if g, ok := t.grants[k]; ok {
		return g, nil
	}
	if t.missing[k] {
		return nil, nil
	}

	t.s.mu.RLock()
	g, ok := t.s.grants[k]
	t.s.mu.RUnlock()
	if !ok {
		t.missing[k] = true
		return nil, nil
	}

	c := *g
	t.grants[k] = &c
	return &c, nil
}

func (t *tx) ReserveMinutes(ctx context.Context, customerID, operatorID string, minutes int64) (int64, error) {
	g, err := t.grant(ctx, customerID, operatorID)
	if err != nil || g == nil {
		return 0, err
	}

	taken := g.Take(minutes)
	if taken > 0 {
		g.Remaining -= taken
		g.UpdatedAt = time.Now().UTC()
	}
	return taken, nil
}

func (t *tx) RefundMinutes(ctx context.Context, customerID, operatorID string, minutes int64) (int64, error) {
	g, err := t.grant(ctx, customerID, operatorID)
	if err != nil {
		return 0, err
	}
	if g == nil {
		return 0, fmt.Errorf("%w: no grant for %s/%s", tollgate.ErrNotFound, customerID, operatorID)
	}

	g.Remaining += minutes
	g.UpdatedAt = time.Now().UTC()
	return g.Remaining, nil
}

// ==================== Journal ====================

func (t *tx) AppendEntry(ctx context.Context, e *journal.Entry) error {
	if !e.ReversesID.IsNil() {
		orig := e.ReversesID.String()
		if err := t.lock(ctx, entryKey(orig)); err != nil {
			return err
		}
		if _, staged := t.reversals[orig]; staged {
			return tollgate.ErrAlreadyReversed
		}
		t.s.mu.RLock()
		_, done := t.s.reversedBy[orig]
		t.s.mu.RUnlock()
		if done {
			return tollgate.ErrAlreadyReversed
		}
		t.reversals[orig] = e.ID.String()
	}

	c := *e
	c.Status = journal.StatusCompleted
	t.entries = append(t.entries, &c)
	return nil
}

func (t *tx) GetEntry(_ context.Context, entryID id.EntryID) (*journal.Entry, error) {
	key := entryID.String()

	var found *journal.Entry
	for _, e := range t.entries {
		if e.ID.String() == key {
			c := *e
			found = &c
			break
		}
	}

	t.s.mu.RLock()
	if found == nil {
		if i, ok := t.s.entryIndex[key]; ok {
			found = t.s.withStatus(t.s.entries[i])
		}
	}
	t.s.mu.RUnlock()

	if found == nil {
		return nil, tollgate.ErrEntryNotFound
	}
	if _, ok := t.reversals[key]; ok {
		found.Status = journal.StatusReversed
	}
	return found, nil
}
