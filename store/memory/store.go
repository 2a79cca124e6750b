// Package memory provides an in-process store.Store for tests and
// single-node deployments. Ledger transactions stage their writes and hold
// per-key locks until commit, so concurrent callers observe the same
// per-customer serialization a database row lock would give.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	tollgatestore "github.com/xraph/tollgate/store"
)

// compile-time interface check
var _ tollgatestore.Store = (*Store)(nil)

// DefaultLockTimeout bounds how long a transaction waits for a key.
const DefaultLockTimeout = 5 * time.Second

type Store struct {
	mu sync.RWMutex

	operators map[string]*rate.Operator
	accounts  map[string]*balance.Account
	grants    map[string]*entitlement.Grant
	sessions  map[string]*session.Session

	// Journal storage, in append order
	entries    []*journal.Entry
	entryIndex map[string]int
	reversedBy map[string]string

	locks       *keyedLocks
	lockTimeout time.Duration
	closed      bool
}

// Option configures the memory store.
type Option func(*Store)

// WithLockTimeout sets how long a transaction waits for a locked key
// before failing with tollgate.ErrConcurrencyConflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(opts ...Option) *Store {
	s := &Store{
		operators:   make(map[string]*rate.Operator),
		accounts:    make(map[string]*balance.Account),
		grants:      make(map[string]*entitlement.Grant),
		sessions:    make(map[string]*session.Session),
		entryIndex:  make(map[string]int),
		reversedBy:  make(map[string]string),
		locks:       newKeyedLocks(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ==================== Operator Store ====================

func (s *Store) UpsertOperator(_ context.Context, op *rate.Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneOperator(op)
	if existing, ok := s.operators[op.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	s.operators[op.ID] = c
	return nil
}

func (s *Store) GetOperator(_ context.Context, operatorID string) (*rate.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if op, ok := s.operators[operatorID]; ok {
		return cloneOperator(op), nil
	}
	return nil, tollgate.ErrOperatorNotFound
}

func (s *Store) ListOperators(_ context.Context, opts rate.ListOpts) ([]*rate.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*rate.Operator, 0, len(s.operators))
	for _, op := range s.operators {
		if opts.ActiveOnly && !op.Active {
			continue
		}
		result = append(result, cloneOperator(op))
	}
	slices.SortFunc(result, func(a, b *rate.Operator) int { return strings.Compare(a.ID, b.ID) })

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) SetOperatorActive(_ context.Context, operatorID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operators[operatorID]
	if !ok {
		return tollgate.ErrOperatorNotFound
	}
	op.Active = active
	op.Touch()
	return nil
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *balance.Account) error {
	key := customerKey(a.CustomerID)
	if err := s.locks.acquire(ctx, key, s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.release(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.CustomerID]; exists {
		return tollgate.ErrAlreadyExists
	}
	s.accounts[a.CustomerID] = cloneAccount(a)
	return nil
}

func (s *Store) GetAccount(_ context.Context, customerID string) (*balance.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[customerID]; ok {
		return cloneAccount(a), nil
	}
	return nil, tollgate.ErrCustomerNotFound
}

// ==================== Grant Store ====================

func (s *Store) GrantFreeMinutes(ctx context.Context, customerID, operatorID string, minutes int64) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: minutes must be positive", tollgate.ErrInvalidInput)
	}

	key := customerKey(customerID)
	if err := s.locks.acquire(ctx, key, s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.release(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	k := entitlement.Key(customerID, operatorID)
	g, ok := s.grants[k]
	if !ok {
		g = &entitlement.Grant{CustomerID: customerID, OperatorID: operatorID}
		s.grants[k] = g
	}
	g.Remaining += minutes
	g.Granted += minutes
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetGrant(_ context.Context, customerID, operatorID string) (*entitlement.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if g, ok := s.grants[entitlement.Key(customerID, operatorID)]; ok {
		c := *g
		return &c, nil
	}
	return nil, tollgate.ErrNotFound
}

// ==================== Session Store ====================

func (s *Store) GetSession(_ context.Context, sessionID id.SessionID) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[sessionID.String()]; ok {
		return sess.Clone(), nil
	}
	return nil, tollgate.ErrSessionNotFound
}

func (s *Store) ListSessions(_ context.Context, opts session.ListOpts) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*session.Session, 0)
	for _, sess := range s.sessions {
		if opts.CustomerID != "" && sess.CustomerID != opts.CustomerID {
			continue
		}
		if opts.OperatorID != "" && sess.OperatorID != opts.OperatorID {
			continue
		}
		if len(opts.States) > 0 && !slices.Contains(opts.States, sess.State) {
			continue
		}
		if opts.After != nil && !opts.After.Before(sess) {
			continue
		}
		result = append(result, sess.Clone())
	}
	slices.SortFunc(result, func(a, b *session.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// ==================== Journal Store ====================

func (s *Store) GetEntry(_ context.Context, entryID id.EntryID) (*journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.entryIndex[entryID.String()]
	if !ok {
		return nil, tollgate.ErrEntryNotFound
	}
	return s.withStatus(s.entries[i]), nil
}

func (s *Store) ListEntries(_ context.Context, opts journal.ListOpts) ([]*journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*journal.Entry, 0)
	for _, e := range s.entries {
		if opts.CustomerID != "" && e.CustomerID != opts.CustomerID {
			continue
		}
		if opts.OperatorID != "" && e.OperatorID != opts.OperatorID {
			continue
		}
		if !opts.SessionID.IsNil() && e.SessionID.String() != opts.SessionID.String() {
			continue
		}
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		result = append(result, s.withStatus(e))
	}

	return paginate(result, opts.Offset, opts.Limit), nil
}

// withStatus copies e and derives its status. Callers hold s.mu.
func (s *Store) withStatus(e *journal.Entry) *journal.Entry {
	c := *e
	c.Status = journal.StatusCompleted
	if _, ok := s.reversedBy[e.ID.String()]; ok {
		c.Status = journal.StatusReversed
	}
	return &c
}

// ==================== Transactions ====================

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx tollgatestore.Tx) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return tollgate.ErrStoreClosed
	}

	t := newTx(s)
	defer t.releaseAll()

	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return tollgate.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	start := min(max(offset, 0), len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}

func cloneOperator(op *rate.Operator) *rate.Operator {
	c := *op
	c.Metadata = maps.Clone(op.Metadata)
	return &c
}

func cloneAccount(a *balance.Account) *balance.Account {
	c := *a
	c.Metadata = maps.Clone(a.Metadata)
	return &c
}
