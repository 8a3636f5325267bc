package types

// Storage outcomes of the entity CRUD operations. Each operation returns a
// closed variant set rather than an error for the "target exists / target
// missing" cases: the action layer resolves those against the caller's
// OnDuplicate/OnNotFound policy, and only that resolution decides whether
// the outcome is an error.

// Created is the outcome of a plain insert.
// Exactly one of New or Existing is set: New on success, Existing when an
// entity with the same name was already present and nothing was written.
type Created struct {
	New      *Entity
	Existing *Entity
}

// Succeeded reports whether the insert wrote a row.
func (c Created) Succeeded() bool {
	return c.New != nil
}

// Upserted is the outcome of an insert-or-update. New is always set. Old is
// set when an existing entity was overwritten and nil when the upsert
// created a fresh row.
type Upserted struct {
	Old *Entity
	New *Entity
}

// Updated is the outcome of an update of an existing entity. Both fields are
// set on success; both are nil when the target was missing and nothing was
// written.
type Updated struct {
	Old *Entity
	New *Entity
}

// Succeeded reports whether the update found and replaced its target.
func (u Updated) Succeeded() bool {
	return u.Old != nil && u.New != nil
}

// Deleted is the outcome of a delete. Old is the removed entity, nil when
// the target was missing.
type Deleted struct {
	Old *Entity
}

// Succeeded reports whether the delete removed a row.
func (d Deleted) Succeeded() bool {
	return d.Old != nil
}
