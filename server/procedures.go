// Procedure registry: maps wire-level procedure names to action
// constructors. Both transports resolve calls through this table.
package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lattice-db/lattice/server/action"
	t "github.com/lattice-db/lattice/server/store/types"
)

var errBadProcedure = errors.New(errUnknownProcedure)

// procArgs is the raw material of one procedure call.
type procArgs struct {
	Params json.RawMessage
	Data   json.RawMessage
	// Username of the authenticated principal, empty when anonymous. Used
	// by the self-scoped procedures.
	Username string
}

type procBuilder func(args procArgs) (action.Action, error)

// buildProcedure resolves a procedure name to a ready-to-run action.
func buildProcedure(name string, args procArgs) (action.Action, error) {
	builder, ok := procedures[name]
	if !ok {
		return nil, errBadProcedure
	}
	return builder(args)
}

var procedures = map[string]procBuilder{
	"getAllTables":  entityList(t.KindTable),
	"getAllQueries": entityList(t.KindQuery),
	"getAllScripts": entityList(t.KindScript),

	"getTable":  entityGet(t.KindTable),
	"getQuery":  entityGet(t.KindQuery),
	"getScript": entityGet(t.KindScript),

	"createTable":  entityCreate(t.KindTable),
	"createQuery":  entityCreate(t.KindQuery),
	"createScript": entityCreate(t.KindScript),

	"updateTable":  entityUpdate(t.KindTable),
	"updateQuery":  entityUpdate(t.KindQuery),
	"updateScript": entityUpdate(t.KindScript),

	"deleteTable":  entityDelete(t.KindTable),
	"deleteQuery":  entityDelete(t.KindQuery),
	"deleteScript": entityDelete(t.KindScript),

	"queryTableData":  queryTableData,
	"insertTableData": insertTableData,
	"modifyTableData": modifyTableData,
	"removeTableData": removeTableData,

	"runQuery":  runQuery,
	"runScript": runScript,

	"login":   login,
	"refresh": refresh,
	"logout": func(procArgs) (action.Action, error) {
		return action.Logout(), nil
	},

	"getAllUsers": func(procArgs) (action.Action, error) {
		return action.GetAllUsers(), nil
	},
	"addUser":    addUser,
	"removeUser": removeUser,
	"getAllRoles": func(procArgs) (action.Action, error) {
		return action.GetAllRoles(), nil
	},
	"addRole":    addRole,
	"removeRole": removeRole,

	"attachPermissionForRole": attachPermissionForRole,
	"detachPermissionForRole": detachPermissionForRole,
	"attachRoleForUser":       attachRoleForUser,
	"detachRoleForUser":       detachRoleForUser,

	"subscribeTo":     subscribeTo,
	"unsubscribeFrom": unsubscribeFrom,
	"unsubscribeAll": func(procArgs) (action.Action, error) {
		return action.UnsubscribeAll(), nil
	},
	"getSubscribers": getSubscribers,
	"getMessages":    getMessages,
}

// namedEntity is the shape of an entity on the wire.
type namedEntity struct {
	Name string          `json:"name"`
	Def  json.RawMessage `json:"definition"`
}

func decodeEntity(kind t.EntityKind, data json.RawMessage) (t.Entity, error) {
	var e namedEntity
	if err := json.Unmarshal(data, &e); err != nil || e.Name == "" {
		return t.Entity{}, action.ErrMalformed
	}
	return t.Entity{Kind: kind, Name: e.Name, Def: e.Def}, nil
}

func entityList(kind t.EntityKind) procBuilder {
	return func(procArgs) (action.Action, error) {
		return action.GetAllEntities(kind), nil
	}
}

func entityGet(kind t.EntityKind) procBuilder {
	return func(args procArgs) (action.Action, error) {
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args.Params, &params); err != nil || params.Name == "" {
			return nil, action.ErrMalformed
		}
		return action.GetEntity(kind, params.Name), nil
	}
}

func entityCreate(kind t.EntityKind) procBuilder {
	return func(args procArgs) (action.Action, error) {
		var params struct {
			OnDuplicate action.OnDuplicate `json:"onDuplicate"`
		}
		if len(args.Params) > 0 {
			if err := json.Unmarshal(args.Params, &params); err != nil {
				return nil, action.ErrMalformed
			}
		}
		switch params.OnDuplicate {
		case "":
			params.OnDuplicate = action.OnDuplicateFail
		case action.OnDuplicateUpdate, action.OnDuplicateIgnore, action.OnDuplicateFail:
		default:
			return nil, action.ErrMalformed
		}
		entity, err := decodeEntity(kind, args.Data)
		if err != nil {
			return nil, err
		}
		return action.CreateEntity(entity, params.OnDuplicate), nil
	}
}

func decodeOnNotFound(raw action.OnNotFound) (action.OnNotFound, error) {
	switch raw {
	case "":
		return action.OnNotFoundFail, nil
	case action.OnNotFoundIgnore, action.OnNotFoundFail:
		return raw, nil
	default:
		return "", action.ErrMalformed
	}
}

func entityUpdate(kind t.EntityKind) procBuilder {
	return func(args procArgs) (action.Action, error) {
		var params struct {
			Name       string            `json:"name"`
			OnNotFound action.OnNotFound `json:"onNotFound"`
		}
		if err := json.Unmarshal(args.Params, &params); err != nil || params.Name == "" {
			return nil, action.ErrMalformed
		}
		onNF, err := decodeOnNotFound(params.OnNotFound)
		if err != nil {
			return nil, err
		}
		entity, err := decodeEntity(kind, args.Data)
		if err != nil {
			return nil, err
		}
		return action.UpdateEntity(params.Name, entity, onNF), nil
	}
}

func entityDelete(kind t.EntityKind) procBuilder {
	return func(args procArgs) (action.Action, error) {
		var params struct {
			Name       string            `json:"name"`
			OnNotFound action.OnNotFound `json:"onNotFound"`
		}
		if err := json.Unmarshal(args.Params, &params); err != nil || params.Name == "" {
			return nil, action.ErrMalformed
		}
		onNF, err := decodeOnNotFound(params.OnNotFound)
		if err != nil {
			return nil, err
		}
		return action.DeleteEntity(kind, params.Name, onNF), nil
	}
}

func tableParam(params json.RawMessage) (string, error) {
	var p struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Table == "" {
		return "", action.ErrMalformed
	}
	return p.Table, nil
}

func queryTableData(args procArgs) (action.Action, error) {
	table, err := tableParam(args.Params)
	if err != nil {
		return nil, err
	}
	return action.QueryTableData(table), nil
}

func decodeTableData(data json.RawMessage) (t.TableData, error) {
	var td t.TableData
	if err := json.Unmarshal(data, &td); err != nil || len(td.Rows) == 0 {
		return t.TableData{}, action.ErrMalformed
	}
	return td, nil
}

func insertTableData(args procArgs) (action.Action, error) {
	table, err := tableParam(args.Params)
	if err != nil {
		return nil, err
	}
	td, err := decodeTableData(args.Data)
	if err != nil {
		return nil, err
	}
	return action.InsertTableData(table, td), nil
}

func modifyTableData(args procArgs) (action.Action, error) {
	table, err := tableParam(args.Params)
	if err != nil {
		return nil, err
	}
	td, err := decodeTableData(args.Data)
	if err != nil {
		return nil, err
	}
	return action.ModifyTableData(table, td), nil
}

func removeTableData(args procArgs) (action.Action, error) {
	table, err := tableParam(args.Params)
	if err != nil {
		return nil, err
	}
	td, err := decodeTableData(args.Data)
	if err != nil {
		return nil, err
	}
	return action.RemoveTableData(table, td), nil
}

func runQuery(args procArgs) (action.Action, error) {
	var params struct {
		Name   string `json:"name"`
		Params []any  `json:"params"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.Name == "" {
		return nil, action.ErrMalformed
	}
	return action.RunQuery(params.Name, params.Params), nil
}

func runScript(args procArgs) (action.Action, error) {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.Name == "" {
		return nil, action.ErrMalformed
	}
	return action.RunScript(params.Name, args.Data), nil
}

func login(args procArgs) (action.Action, error) {
	var params struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.Username == "" {
		return nil, action.ErrMalformed
	}
	return action.Login(params.Username, params.Password), nil
}

func refresh(args procArgs) (action.Action, error) {
	var params struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.RefreshToken == "" {
		return nil, action.ErrMalformed
	}
	return action.Refresh(params.RefreshToken), nil
}

func addUser(args procArgs) (action.Action, error) {
	var user t.NewUser
	if err := json.Unmarshal(args.Data, &user); err != nil {
		return nil, action.ErrMalformed
	}
	return action.AddUser(user), nil
}

func removeUser(args procArgs) (action.Action, error) {
	var params struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.Username == "" {
		return nil, action.ErrMalformed
	}
	return action.RemoveUser(params.Username), nil
}

func addRole(args procArgs) (action.Action, error) {
	var role t.Role
	if err := json.Unmarshal(args.Data, &role); err != nil || role.Name == "" {
		return nil, action.ErrMalformed
	}
	return action.AddRole(role), nil
}

func removeRole(args procArgs) (action.Action, error) {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.Name == "" {
		return nil, action.ErrMalformed
	}
	return action.RemoveRole(params.Name), nil
}

func rolePermArgs(args procArgs) (string, t.Permission, error) {
	var params struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.Role == "" {
		return "", t.Permission{}, action.ErrMalformed
	}
	var perm t.Permission
	if err := json.Unmarshal(args.Data, &perm); err != nil || perm.Op == "" {
		return "", t.Permission{}, action.ErrMalformed
	}
	return params.Role, perm, nil
}

func attachPermissionForRole(args procArgs) (action.Action, error) {
	role, perm, err := rolePermArgs(args)
	if err != nil {
		return nil, err
	}
	return action.AttachPermissionForRole(role, perm), nil
}

func detachPermissionForRole(args procArgs) (action.Action, error) {
	role, perm, err := rolePermArgs(args)
	if err != nil {
		return nil, err
	}
	return action.DetachPermissionForRole(role, perm), nil
}

func userRoleArgs(args procArgs) (string, string, error) {
	var params struct {
		User string `json:"user"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil ||
		params.User == "" || params.Role == "" {
		return "", "", action.ErrMalformed
	}
	return params.User, params.Role, nil
}

func attachRoleForUser(args procArgs) (action.Action, error) {
	user, role, err := userRoleArgs(args)
	if err != nil {
		return nil, err
	}
	return action.AttachRoleForUser(user, role), nil
}

func detachRoleForUser(args procArgs) (action.Action, error) {
	user, role, err := userRoleArgs(args)
	if err != nil {
		return nil, err
	}
	return action.DetachRoleForUser(user, role), nil
}

// channelArgs resolves the target principal of a subscription procedure:
// explicit user parameter if present, else the caller.
func channelArgs(args procArgs) (t.Channel, string, error) {
	var params struct {
		Channel *t.Channel `json:"channel"`
		User    string     `json:"user"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.Channel == nil {
		return t.Channel{}, "", action.ErrMalformed
	}
	username := params.User
	if username == "" {
		username = args.Username
	}
	if username == "" {
		return t.Channel{}, "", action.ErrUnauthorized
	}
	return *params.Channel, username, nil
}

func subscribeTo(args procArgs) (action.Action, error) {
	ch, username, err := channelArgs(args)
	if err != nil {
		return nil, err
	}
	return action.SubscribeTo(ch, username), nil
}

func unsubscribeFrom(args procArgs) (action.Action, error) {
	ch, username, err := channelArgs(args)
	if err != nil {
		return nil, err
	}
	return action.UnsubscribeFrom(ch, username), nil
}

func getSubscribers(args procArgs) (action.Action, error) {
	var params struct {
		Channel *t.Channel `json:"channel"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil || params.Channel == nil {
		return nil, action.ErrMalformed
	}
	return action.GetSubscribers(*params.Channel), nil
}

func getMessages(args procArgs) (action.Action, error) {
	var params struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if err := json.Unmarshal(args.Params, &params); err != nil {
		return nil, action.ErrMalformed
	}
	if params.End.IsZero() {
		params.End = time.Now()
	}
	return action.GetMessages(params.Start, params.End), nil
}
