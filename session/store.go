package session

import (
	"context"
	"time"

	"github.com/xraph/tollgate/id"
)

type Store interface {
	GetSession(ctx context.Context, sessionID id.SessionID) (*Session, error)
	ListSessions(ctx context.Context, opts ListOpts) ([]*Session, error)
}

// ListOpts filters session listings. After, when set, skips every session
// up to and including the cursor.
type ListOpts struct {
	CustomerID string
	OperatorID string
	States     []State
	After      *Cursor
	Limit      int
	Offset     int
}

// Cursor is a position in the (created_at, id) order sessions are listed
// in. Paging by cursor is stable while sessions change state.
type Cursor struct {
	CreatedAt time.Time
	ID        id.SessionID
}

// CursorOf returns the position of s.
func CursorOf(s *Session) *Cursor {
	return &Cursor{CreatedAt: s.CreatedAt, ID: s.ID}
}

// Before reports whether the cursor sorts before s.
func (c *Cursor) Before(s *Session) bool {
	if cmp := c.CreatedAt.Compare(s.CreatedAt); cmp != 0 {
		return cmp < 0
	}
	return c.ID.String() < s.ID.String()
}
