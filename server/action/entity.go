package action

import (
	t "github.com/lattice-db/lattice/server/store/types"
)

// Entity CRUD. Constructors return the fully decorated action; the bare
// structs resolve the storage outcome against the caller's policy.

func entityActionName(verb string, kind t.EntityKind) string {
	switch kind {
	case t.KindQuery:
		return verb + "Query"
	case t.KindScript:
		return verb + "Script"
	default:
		return verb + "Table"
	}
}

func entityListActionName(kind t.EntityKind) string {
	switch kind {
	case t.KindQuery:
		return "getAllQueries"
	case t.KindScript:
		return "getAllScripts"
	default:
		return "getAllTables"
	}
}

type getAllEntities struct {
	kind t.EntityKind
}

// GetAllEntities lists every entity of one kind the caller may read.
func GetAllEntities(kind t.EntityKind) Action {
	return WithFilterListByPermission(
		&getAllEntities{kind: kind},
		func(e t.Entity) t.Permission {
			return t.ReadEntity(kind, e.Name)
		})
}

func (a *getAllEntities) Call(s *State) (*Result, error) {
	entities, err := s.Conn.EntityGetAll(s.Ctx, a.kind)
	if err != nil {
		return nil, err
	}
	return &Result{Action: entityListActionName(a.kind), Data: entities}, nil
}

type getEntity struct {
	kind t.EntityKind
	name string
}

// GetEntity fetches one entity by name.
func GetEntity(kind t.EntityKind, name string) Action {
	return WithPermissionRequired(
		&getEntity{kind: kind, name: name},
		t.ReadEntity(kind, name))
}

func (a *getEntity) Call(s *State) (*Result, error) {
	entity, err := s.Conn.EntityGet(s.Ctx, a.kind, a.name)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, ErrNotFound
	}
	return &Result{Action: entityActionName("get", a.kind), Data: entity}, nil
}

type createEntity struct {
	entity t.Entity
	onDup  OnDuplicate
}

// CreateEntity stores a new entity, resolving a name clash per the caller's
// OnDuplicate policy. The gate requires the kind-wide create capability; an
// update-on-duplicate create additionally requires the modify capability
// whenever any role has ever been granted it for this entity.
func CreateEntity(entity t.Entity, onDup OnDuplicate) Action {
	kind, name := entity.Kind, entity.Name
	base := WithDispatch(
		WithTransaction(&createEntity{entity: entity, onDup: onDup}),
		t.AllEntities(kind))
	return WithPermissionFor(base, func(s *State) bool {
		perms := s.Permissions()
		if !perms.Satisfies(t.CreateEntity(kind)) {
			return false
		}
		if onDup != OnDuplicateUpdate {
			return true
		}
		modify := t.ModifyEntity(kind, name)
		if perms.Satisfies(modify) {
			return true
		}
		return !s.AllPermissions().Satisfies(modify)
	})
}

func (a *createEntity) Call(s *State) (*Result, error) {
	name := entityActionName("create", a.entity.Kind)
	var data CreateEntityResult
	if a.onDup == OnDuplicateUpdate {
		up, err := s.Conn.EntityUpsert(s.Ctx, a.entity)
		if err != nil {
			return nil, err
		}
		if up.Old != nil {
			data.Updated = &EntityDelta{Old: *up.Old, New: *up.New}
		} else {
			data.Created = up.New
		}
		return &Result{Action: name, Data: data}, nil
	}

	cr, err := s.Conn.EntityCreate(s.Ctx, a.entity)
	if err != nil {
		return nil, err
	}
	if cr.Succeeded() {
		data.Created = cr.New
		return &Result{Action: name, Data: data}, nil
	}
	if a.onDup == OnDuplicateFail {
		return nil, ErrAlreadyExists
	}
	data.AlreadyExists = &EntityClash{Existing: *cr.Existing, Requested: a.entity}
	return &Result{Action: name, Data: data}, nil
}

type updateEntity struct {
	name   string
	entity t.Entity
	onNF   OnNotFound
}

// UpdateEntity replaces the entity stored under name, resolving a missing
// target per the caller's OnNotFound policy.
func UpdateEntity(name string, entity t.Entity, onNF OnNotFound) Action {
	kind := entity.Kind
	return WithPermissionRequired(
		WithDispatch(
			WithTransaction(&updateEntity{name: name, entity: entity, onNF: onNF}),
			t.AllEntities(kind), t.EntityChannel(kind, name)),
		t.ModifyEntity(kind, name))
}

func (a *updateEntity) Call(s *State) (*Result, error) {
	actionName := entityActionName("update", a.entity.Kind)
	up, err := s.Conn.EntityUpdate(s.Ctx, a.name, a.entity)
	if err != nil {
		return nil, err
	}
	var data UpdateEntityResult
	if up.Succeeded() {
		data.Updated = &EntityDelta{Old: *up.Old, New: *up.New}
		return &Result{Action: actionName, Data: data}, nil
	}
	if a.onNF == OnNotFoundFail {
		return nil, ErrNotFound
	}
	data.NotFound = a.name
	return &Result{Action: actionName, Data: data}, nil
}

type deleteEntity struct {
	kind t.EntityKind
	name string
	onNF OnNotFound
}

// DeleteEntity removes an entity by name, resolving a missing target per the
// caller's OnNotFound policy.
func DeleteEntity(kind t.EntityKind, name string, onNF OnNotFound) Action {
	return WithPermissionRequired(
		WithDispatch(
			WithTransaction(&deleteEntity{kind: kind, name: name, onNF: onNF}),
			t.AllEntities(kind), t.EntityChannel(kind, name)),
		t.ModifyEntity(kind, name))
}

func (a *deleteEntity) Call(s *State) (*Result, error) {
	actionName := entityActionName("delete", a.kind)
	del, err := s.Conn.EntityDelete(s.Ctx, a.kind, a.name)
	if err != nil {
		return nil, err
	}
	var data DeleteEntityResult
	if del.Succeeded() {
		data.Deleted = del.Old
		return &Result{Action: actionName, Data: data}, nil
	}
	if a.onNF == OnNotFoundFail {
		return nil, ErrNotFound
	}
	data.NotFound = a.name
	return &Result{Action: actionName, Data: data}, nil
}
