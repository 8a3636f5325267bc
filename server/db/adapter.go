// Package db contains the interfaces to be implemented by the database
// adapter.
package db

import (
	"context"
	"encoding/json"
	"time"

	t "github.com/lattice-db/lattice/server/store/types"
)

// Store is the set of storage operations available both on the root
// connection pool and inside a transaction. Entity operations report their
// outcome as closed variant structs; resolving an outcome against the
// caller's policy is the action layer's job, not the adapter's.
type Store interface {
	// Entity definitions

	// EntityGetAll returns every entity of the given kind.
	EntityGetAll(ctx context.Context, kind t.EntityKind) ([]t.Entity, error)
	// EntityGet returns one entity by name, nil if missing.
	EntityGet(ctx context.Context, kind t.EntityKind, name string) (*t.Entity, error)
	// EntityCreate inserts a new entity; reports the existing row instead of
	// failing when the name is taken.
	EntityCreate(ctx context.Context, entity t.Entity) (t.Created, error)
	// EntityUpsert inserts or replaces an entity.
	EntityUpsert(ctx context.Context, entity t.Entity) (t.Upserted, error)
	// EntityUpdate replaces the entity stored under name.
	EntityUpdate(ctx context.Context, name string, entity t.Entity) (t.Updated, error)
	// EntityDelete removes an entity by name.
	EntityDelete(ctx context.Context, kind t.EntityKind, name string) (t.Deleted, error)

	// Dynamic table data. Row interpretation and SQL generation against the
	// user-defined tables are the adapter's concern; the pipeline treats the
	// payloads as opaque.

	TableDataQuery(ctx context.Context, table string) (t.TableData, error)
	TableDataInsert(ctx context.Context, table string, data t.TableData) (t.TableData, error)
	TableDataModify(ctx context.Context, table string, data t.TableData) (t.TableData, error)
	TableDataRemove(ctx context.Context, table string, keys t.TableData) (t.TableData, error)
	// Exec runs a stored query statement with positional params and returns
	// the row set.
	Exec(ctx context.Context, statement string, args []any) (t.TableData, error)

	// Users, roles, permissions

	UserGetAll(ctx context.Context) ([]t.User, error)
	// UserGet finds a user by username or email, nil if missing.
	UserGet(ctx context.Context, ident string) (*t.User, error)
	// UserCreate inserts a user with a password hash. Returns ErrDuplicate
	// if the username or email is taken.
	UserCreate(ctx context.Context, user t.User, passhash []byte) (*t.User, error)
	// UserDelete removes a user. Returns ErrNotFound if missing.
	UserDelete(ctx context.Context, ident string) (*t.User, error)
	// UserAuthRecord returns the user and the stored password hash.
	UserAuthRecord(ctx context.Context, ident string) (*t.User, []byte, error)

	RoleGetAll(ctx context.Context) ([]t.Role, error)
	RoleCreate(ctx context.Context, role t.Role) (*t.Role, error)
	RoleDelete(ctx context.Context, name string) (*t.Role, error)
	RoleAttachPermission(ctx context.Context, role string, p t.Permission) error
	RoleDetachPermission(ctx context.Context, role string, p t.Permission) error
	UserAttachRole(ctx context.Context, ident, role string) error
	UserDetachRole(ctx context.Context, ident, role string) error

	// UserPermissions computes the permission set granted to the user
	// through role membership, plus the implicit self permissions.
	UserPermissions(ctx context.Context, userID int64) (t.PermissionSet, error)
	// AllPermissions returns the union of every permission attached to any
	// role: the "ever registered" universe used by predicate gates.
	AllPermissions(ctx context.Context) (t.PermissionSet, error)

	// Mailbox: durable per-channel append-only message log plus the
	// subscription table. Each call is individually atomic.

	// MailboxPublish resolves-or-creates the channel row and appends a
	// message.
	MailboxPublish(ctx context.Context, ch t.Channel, action string, data json.RawMessage) error
	// MailboxSubscribe creates a subscription. A duplicate subscribe fails
	// with ErrAlreadySubscribed, mapped from the storage unique violation.
	MailboxSubscribe(ctx context.Context, userID int64, ch t.Channel) (*t.Subscription, error)
	// MailboxUnsubscribe removes a subscription; ErrNotSubscribed if absent.
	// The channel row is kept even when its last subscriber leaves.
	MailboxUnsubscribe(ctx context.Context, userID int64, ch t.Channel) (*t.Subscription, error)
	// MailboxUnsubscribeAll removes every subscription of the principal.
	MailboxUnsubscribeAll(ctx context.Context, userID int64) error
	// MailboxSubscribers returns the distinct principals subscribed to the
	// channel.
	MailboxSubscribers(ctx context.Context, ch t.Channel) ([]t.User, error)
	// MailboxMessages returns messages on all channels the principal is
	// subscribed to with sentAt in the half-open window [start, end),
	// ascending by sentAt.
	MailboxMessages(ctx context.Context, userID int64, start, end time.Time) ([]t.Message, error)
	// MailboxPermissionsRemoved is the invalidation hook called after a
	// role/permission/user mutation. Subscriptions are not currently
	// re-validated: a subscribed principal keeps receiving messages until
	// explicitly unsubscribed even if the read permission is revoked.
	MailboxPermissionsRemoved(ctx context.Context) error
}

// Transactor runs a function against a transaction-scoped Store.
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// Adapter is the interface that must be implemented by a database adapter.
type Adapter interface {
	// Open and configure the adapter.
	Open(config json.RawMessage) error
	// Close the adapter.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the name of the adapter.
	GetName() string
	// CheckDbVersion checks if the actual database version matches the
	// adapter version.
	CheckDbVersion() error
	// Stats returns the DB connection stats object.
	Stats() any

	// Transaction rolls back when fn returns an error, commits otherwise.
	Transactor

	Store
}
