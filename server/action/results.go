package action

import (
	"encoding/json"

	t "github.com/lattice-db/lattice/server/store/types"
)

// OnDuplicate is the caller's policy for a create hitting an existing name.
type OnDuplicate string

const (
	// OnDuplicateUpdate turns the create into an upsert.
	OnDuplicateUpdate = OnDuplicate("update")
	// OnDuplicateIgnore reports the clash as a non-error result and writes
	// nothing.
	OnDuplicateIgnore = OnDuplicate("ignore")
	// OnDuplicateFail turns the clash into ErrAlreadyExists.
	OnDuplicateFail = OnDuplicate("fail")
)

// OnNotFound is the caller's policy for an update or delete of a missing
// target.
type OnNotFound string

const (
	// OnNotFoundIgnore reports the miss as a non-error result.
	OnNotFoundIgnore = OnNotFound("ignore")
	// OnNotFoundFail turns the miss into ErrNotFound.
	OnNotFoundFail = OnNotFound("fail")
)

// EntityDelta reports an entity replaced in place.
type EntityDelta struct {
	Old t.Entity `json:"old"`
	New t.Entity `json:"new"`
}

// EntityClash reports a create which found the name taken: what is stored
// and what the caller asked for. Nothing was written.
type EntityClash struct {
	Existing  t.Entity `json:"existing"`
	Requested t.Entity `json:"requested"`
}

// CreateEntityResult is the client-visible resolution of a create. Exactly
// one field is set.
type CreateEntityResult struct {
	Created       *t.Entity    `json:"created,omitempty"`
	Updated       *EntityDelta `json:"updated,omitempty"`
	AlreadyExists *EntityClash `json:"alreadyExists,omitempty"`
}

// StateChanged reports whether the create wrote anything. An alreadyExists
// resolution is a successful no-op and produces no broadcast.
func (r CreateEntityResult) StateChanged() bool {
	return r.AlreadyExists == nil
}

// UpdateEntityResult is the client-visible resolution of an update.
type UpdateEntityResult struct {
	Updated  *EntityDelta `json:"updated,omitempty"`
	NotFound string       `json:"notFound,omitempty"`
}

func (r UpdateEntityResult) StateChanged() bool {
	return r.Updated != nil
}

// DeleteEntityResult is the client-visible resolution of a delete.
type DeleteEntityResult struct {
	Deleted  *t.Entity `json:"deleted,omitempty"`
	NotFound string    `json:"notFound,omitempty"`
}

func (r DeleteEntityResult) StateChanged() bool {
	return r.Deleted != nil
}

// TableDataResult carries the rows affected by a data operation on a
// dynamic table.
type TableDataResult struct {
	Table string      `json:"table"`
	Data  t.TableData `json:"data"`
}

// RunQueryResult carries the row set produced by a stored query.
type RunQueryResult struct {
	Name string      `json:"name"`
	Data t.TableData `json:"data"`
}

// RunScriptResult carries the value returned by a stored script.
type RunScriptResult struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// LoginResult is a fresh token pair plus the authenticated user.
type LoginResult struct {
	User t.User `json:"user"`
	TokenPair
}

// SubscribersResult lists the principals subscribed to one channel.
type SubscribersResult struct {
	Channel     t.Channel `json:"channel"`
	Subscribers []t.User  `json:"subscribers"`
}

// MessagesResult is the principal's mailbox slice for one poll window.
type MessagesResult struct {
	Messages []t.Message `json:"messages"`
}
