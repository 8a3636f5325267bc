package action

import (
	"encoding/json"

	"github.com/lattice-db/lattice/server/db"
	"github.com/lattice-db/lattice/server/logs"
	t "github.com/lattice-db/lattice/server/store/types"
)

// Decorators wrap actions with the cross-cutting concerns. Composition order
// is fixed: the permission gate is outermost so a rejected caller causes no
// storage traffic at all, dispatch sits outside the transaction so messages
// are only published for committed changes.

type txAction struct {
	inner Action
}

// WithTransaction runs the inner action inside a single storage transaction.
// An error from the inner action rolls everything back.
func WithTransaction(inner Action) Action {
	return &txAction{inner: inner}
}

func (a *txAction) Call(s *State) (*Result, error) {
	if s.Txn == nil {
		return a.inner.Call(s)
	}
	var res *Result
	err := s.Txn.Transaction(s.Ctx, func(tx db.Store) error {
		r, err := a.inner.Call(s.WithConn(tx))
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type gateAction struct {
	inner   Action
	allowed func(s *State) bool
}

func (a *gateAction) Call(s *State) (*Result, error) {
	if !s.IsAdmin() && !a.allowed(s) {
		return nil, ErrUnauthorized
	}
	return a.inner.Call(s)
}

// WithPermissionRequired rejects callers lacking the capability. Admins pass
// every gate.
func WithPermissionRequired(inner Action, p t.Permission) Action {
	return &gateAction{inner: inner, allowed: func(s *State) bool {
		return s.Permissions().Satisfies(p)
	}}
}

// WithAllPermissionsRequired rejects callers missing any of the listed
// capabilities.
func WithAllPermissionsRequired(inner Action, perms ...t.Permission) Action {
	return &gateAction{inner: inner, allowed: func(s *State) bool {
		return s.Permissions().SatisfiesAll(perms)
	}}
}

// WithAnyPermissionRequired passes callers holding at least one of the listed
// capabilities.
func WithAnyPermissionRequired(inner Action, perms ...t.Permission) Action {
	return &gateAction{inner: inner, allowed: func(s *State) bool {
		return s.Permissions().SatisfiesAny(perms)
	}}
}

// WithLoginRequired rejects anonymous callers but imposes no capability
// check.
func WithLoginRequired(inner Action) Action {
	return &gateAction{inner: inner, allowed: func(s *State) bool {
		return s.LoggedIn()
	}}
}

// WithPermissionFor gates on an arbitrary predicate over the caller's
// permission state. Used where the required capability depends on the
// requested write mode rather than on a fixed list.
func WithPermissionFor(inner Action, allowed func(s *State) bool) Action {
	return &gateAction{inner: inner, allowed: allowed}
}

type dispatchAction struct {
	inner    Action
	channels []t.Channel
}

// WithDispatch publishes the result of the inner action to the given
// channels once it has completed. Composed outside WithTransaction, so the
// publish happens only after a successful commit. Results implementing
// StateChange and reporting no change are not published.
func WithDispatch(inner Action, channels ...t.Channel) Action {
	return &dispatchAction{inner: inner, channels: channels}
}

func (a *dispatchAction) Call(s *State) (*Result, error) {
	res, err := a.inner.Call(s)
	if err != nil {
		return nil, err
	}
	if sc, ok := res.Data.(StateChange); ok && !sc.StateChanged() {
		return res, nil
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		logs.Error.Println("dispatch: cannot serialize result of", res.Action, err)
		return res, nil
	}
	for _, ch := range a.channels {
		// The change is already committed. A failed publish cannot undo
		// it, so it is logged and the result still reported as success.
		if err := s.Conn.MailboxPublish(s.Ctx, ch, res.Action, data); err != nil {
			logs.Error.Println("dispatch: publish failed on", ch, err)
		}
	}
	return res, nil
}

type filterListAction struct {
	inner    Action
	required func(e t.Entity) t.Permission
}

// WithFilterListByPermission removes from a list result the entities the
// caller has no read capability for. Listing is never an error: an empty
// result stands for "nothing you may see". Admins see the full list.
func WithFilterListByPermission(inner Action, required func(e t.Entity) t.Permission) Action {
	return &filterListAction{inner: inner, required: required}
}

func (a *filterListAction) Call(s *State) (*Result, error) {
	res, err := a.inner.Call(s)
	if err != nil {
		return nil, err
	}
	if s.IsAdmin() {
		return res, nil
	}
	entities, ok := res.Data.([]t.Entity)
	if !ok {
		return res, nil
	}
	perms := s.Permissions()
	visible := make([]t.Entity, 0, len(entities))
	for _, e := range entities {
		if perms.Satisfies(a.required(e)) {
			visible = append(visible, e)
		}
	}
	res.Data = visible
	return res, nil
}
