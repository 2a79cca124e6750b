// Package id defines the TypeID identifiers Tollgate assigns to sessions
// and journal entries.
//
// Customers and operators keep the identifiers of the system that owns
// them; only records Tollgate creates get an ID from this package. IDs
// sort by creation time and render as "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the record kind encoded in an ID.
type Prefix string

const (
	PrefixSession Prefix = "sess"
	PrefixEntry   Prefix = "txn"
)

// ID is a prefix-qualified TypeID. The zero value is Nil and encodes as
// an empty string or SQL NULL.
//
//nolint:recvcheck // pointer receivers only where decoding mutates
type ID struct {
	inner typeid.TypeID
	valid bool
}

// SessionID identifies a session.
type SessionID = ID

// EntryID identifies a journal entry.
type EntryID = ID

// Nil is the zero ID.
var Nil ID

func generate(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// NewSessionID returns a fresh session ID.
func NewSessionID() SessionID { return generate(PrefixSession) }

// NewEntryID returns a fresh journal entry ID.
func NewEntryID() EntryID { return generate(PrefixEntry) }

// Parse decodes any TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

func parseKind(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := parsed.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q is a %q id, want %q", s, got, want)
	}
	return parsed, nil
}

// ParseSessionID decodes s and requires the "sess" prefix.
func ParseSessionID(s string) (SessionID, error) { return parseKind(s, PrefixSession) }

// ParseEntryID decodes s and requires the "txn" prefix.
func ParseEntryID(s string) (EntryID, error) { return parseKind(s, PrefixEntry) }

func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the record kind, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return !i.valid }

// IsZero lets encoding/json omitzero drop unset IDs.
func (i ID) IsZero() bool { return !i.valid }

func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value stores Nil as NULL so optional reference columns stay empty.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.inner.String(), nil
}

func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}
