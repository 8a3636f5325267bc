// Package action implements the action-execution pipeline: a unit of
// business logic with a typed result, wrapped in composable decorators
// providing transactional execution, permission enforcement and change-event
// dispatch. Decorators are composed outside-in in a fixed order per
// procedure family:
//
//	PermissionGate( Dispatch( Transaction( BaseAction ) ) )
package action

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lattice-db/lattice/server/db"
	"github.com/lattice-db/lattice/server/logs"
	t "github.com/lattice-db/lattice/server/store/types"
)

// Error satisfies the error interface but allows constant values for direct
// comparison.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrUnauthorized: the permission gate rejected the caller. Fatal to
	// that call only; no side effects have occurred.
	ErrUnauthorized = Error("unauthorized")
	// ErrNotFound: the target is missing and the caller's policy demanded
	// a hard failure.
	ErrNotFound = Error("not found")
	// ErrAlreadyExists: the target exists and the caller's policy demanded
	// a hard failure.
	ErrAlreadyExists = Error("already exists")
	// ErrMalformed: the request parameters could not be parsed.
	ErrMalformed = Error("malformed request")
	// ErrAuthFailed: wrong login, password or refresh token.
	ErrAuthFailed = Error("authentication failed")
	// ErrUnknown is the catch-all.
	ErrUnknown = Error("unknown error")
)

// Result is the outcome of one successful action: a wire-level action tag
// plus a JSON-serializable payload.
type Result struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// Action is a unit of business logic with a typed result, invoked inside the
// pipeline. Implementations must not retain the state beyond the call.
type Action interface {
	Call(s *State) (*Result, error)
}

// StateChange is implemented by result payloads which can tell whether the
// action actually mutated storage. Dispatch skips payloads reporting no
// change: an idempotent no-op produces no broadcast message.
type StateChange interface {
	StateChanged() bool
}

// Principal is the authenticated identity an action runs on behalf of.
type Principal struct {
	ID       int64
	Username string
	Email    string
	Admin    bool
}

// TokenPair is a session token plus its refresh token.
type TokenPair struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	Expires      time.Time `json:"expires"`
}

// TokenService issues and refreshes session tokens. Implemented by the auth
// collaborator.
type TokenService interface {
	Issue(user t.User) (TokenPair, error)
	Refresh(refreshToken string) (TokenPair, error)
}

// ScriptRunner executes a stored script in an external sandbox. The pipeline
// only transports the script definition and the result.
type ScriptRunner interface {
	Run(ctx context.Context, script t.Entity, param json.RawMessage) (json.RawMessage, error)
}

// State is the per-invocation context an action runs against: the storage
// connection (transaction-scoped inside WithTransaction), the caller's
// identity and the external collaborators.
type State struct {
	Ctx  context.Context
	Conn db.Store
	// Txn is the transaction seam used by WithTransaction. Nil means the
	// decorator runs its inner action directly on Conn.
	Txn     db.Transactor
	User    *Principal // nil when anonymous
	Tokens  TokenService
	Scripts ScriptRunner

	perms    t.PermissionSet
	allPerms t.PermissionSet
}

// WithConn returns a shallow copy of the state bound to a different storage
// connection. Used by WithTransaction to thread the transaction through the
// inner action.
func (s *State) WithConn(conn db.Store) *State {
	c := *s
	c.Conn = conn
	return &c
}

// LoggedIn reports whether the state carries an authenticated principal.
func (s *State) LoggedIn() bool {
	return s.User != nil
}

// IsAdmin reports whether the principal holds the root claim. Admins bypass
// permission gates.
func (s *State) IsAdmin() bool {
	return s.User != nil && s.User.Admin
}

// Permissions returns the caller's permission set, computed once per
// invocation from role memberships plus the implicit self permissions.
// Anonymous callers get an empty set.
func (s *State) Permissions() t.PermissionSet {
	if s.perms != nil {
		return s.perms
	}
	if s.User == nil {
		s.perms = t.PermissionSet{}
		return s.perms
	}
	perms, err := s.Conn.UserPermissions(s.Ctx, s.User.ID)
	if err != nil {
		logs.Warning.Println("action: failed to load user permissions:", err)
		perms = t.PermissionSet{}
	}
	perms.Add(t.UserPermission(s.User.Username))
	if s.User.Email != "" {
		perms.Add(t.UserEmail(s.User.Email))
	}
	s.perms = perms
	return s.perms
}

// AllPermissions returns the universe of permissions ever registered with
// any role, used by predicate gates for fallback decisions.
func (s *State) AllPermissions() t.PermissionSet {
	if s.allPerms != nil {
		return s.allPerms
	}
	all, err := s.Conn.AllPermissions(s.Ctx)
	if err != nil {
		logs.Warning.Println("action: failed to load registered permissions:", err)
		all = t.PermissionSet{}
	}
	s.allPerms = all
	return s.allPerms
}
