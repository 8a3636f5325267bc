// Package types provides the data model shared by the store, the action
// pipeline and the transports: users, roles, entity definitions, table data,
// broadcast channels, permissions and storage outcomes.
package types

import (
	"encoding/json"
	"time"
)

// StoreError satisfies error interface but allows constant values for
// direct comparison.
type StoreError string

func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrMalformed means the input cannot be parsed or otherwise wrong.
	ErrMalformed = StoreError("malformed")
	// ErrFailed means authentication failed (wrong login or password).
	ErrFailed = StoreError("failed")
	// ErrDuplicate means the object already exists.
	ErrDuplicate = StoreError("duplicate")
	// ErrNotFound means the object is not found.
	ErrNotFound = StoreError("not found")
	// ErrPermissionDenied means the operation is not permitted.
	ErrPermissionDenied = StoreError("denied")

	// ErrAlreadySubscribed means the principal already holds a subscription
	// to the channel.
	ErrAlreadySubscribed = StoreError("already subscribed")
	// ErrNotSubscribed means no subscription exists for the (principal,
	// channel) pair.
	ErrNotSubscribed = StoreError("not subscribed")
	// ErrUserNotFound means the subscription principal does not exist.
	ErrUserNotFound = StoreError("user not found")
)

// EntityKind is the kind tag of a dynamically-defined entity.
type EntityKind string

const (
	KindTable  EntityKind = "table"
	KindQuery  EntityKind = "query"
	KindScript EntityKind = "script"
)

// Entity is one dynamically-defined object: a table schema, a named query or
// a stored script. The definition body is opaque to the pipeline; only the
// storage adapter and the clients interpret it.
type Entity struct {
	Kind EntityKind      `json:"kind"`
	Name string          `json:"name"`
	Def  json.RawMessage `json:"definition"`
}

// TableData is an opaque set of rows read from or written to a dynamic table.
// Column interpretation belongs to the storage adapter.
type TableData struct {
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows"`
}

// User is a principal known to the system.
type User struct {
	ID          int64  `json:"-"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Admin       bool   `json:"-"`
}

// NewUser is the payload of an addUser request: a user plus the initial
// cleartext password.
type NewUser struct {
	User
	Password string `json:"password"`
}

// Role is a named set of permissions which can be attached to users.
type Role struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Subscription is a live (principal, channel) interest association.
type Subscription struct {
	User         User      `json:"user"`
	Channel      Channel   `json:"channel"`
	SubscribedAt time.Time `json:"subscribedAt"`
}

// Message is one broadcast event in the mailbox. Messages are append-only:
// they are never updated or compacted.
type Message struct {
	Channel Channel         `json:"channel"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data"`
	SentAt  time.Time       `json:"sentAt"`
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
