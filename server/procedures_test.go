package main

import (
	"encoding/json"
	"testing"

	"github.com/lattice-db/lattice/server/action"
)

func TestBuildProcedureUnknown(t *testing.T) {
	if _, err := buildProcedure("makeCoffee", procArgs{}); err != errBadProcedure {
		t.Errorf("got %v, want errBadProcedure", err)
	}
}

func TestBuildProcedureRegistryComplete(t *testing.T) {
	// Every procedure of the protocol must be routable.
	names := []string{
		"getAllTables", "getAllQueries", "getAllScripts",
		"getTable", "getQuery", "getScript",
		"createTable", "createQuery", "createScript",
		"updateTable", "updateQuery", "updateScript",
		"deleteTable", "deleteQuery", "deleteScript",
		"queryTableData", "insertTableData", "modifyTableData", "removeTableData",
		"runQuery", "runScript",
		"login", "refresh", "logout",
		"getAllUsers", "addUser", "removeUser",
		"getAllRoles", "addRole", "removeRole",
		"attachPermissionForRole", "detachPermissionForRole",
		"attachRoleForUser", "detachRoleForUser",
		"subscribeTo", "unsubscribeFrom", "unsubscribeAll",
		"getSubscribers", "getMessages",
	}
	for _, name := range names {
		if _, ok := procedures[name]; !ok {
			t.Errorf("procedure %q is not registered", name)
		}
	}
	if len(procedures) != len(names) {
		t.Errorf("registry has %d procedures, protocol has %d", len(procedures), len(names))
	}
}

func TestBuildProcedureMalformedParams(t *testing.T) {
	cases := []struct {
		name   string
		params string
		data   string
	}{
		{"getTable", `{}`, ``},
		{"createTable", `{"onDuplicate": "explode"}`, `{"name": "x"}`},
		{"createTable", `{}`, `{"definition": {}}`}, // no name
		{"updateTable", `{"name": "x", "onNotFound": "explode"}`, `{"name": "x"}`},
		{"queryTableData", `{}`, ``},
		{"login", `{"password": "secret"}`, ``},
		{"removeUser", `{}`, ``},
		{"attachRoleForUser", `{"user": "bob"}`, ``},
		{"getSubscribers", `{}`, ``},
	}
	for _, tc := range cases {
		args := procArgs{Params: json.RawMessage(tc.params), Data: json.RawMessage(tc.data)}
		if _, err := buildProcedure(tc.name, args); err != action.ErrMalformed {
			t.Errorf("%s with params %s: got %v, want ErrMalformed", tc.name, tc.params, err)
		}
	}
}

func TestBuildProcedureCreateDefaults(t *testing.T) {
	// Missing onDuplicate defaults to fail; missing params object is fine.
	if _, err := buildProcedure("createTable", procArgs{
		Data: json.RawMessage(`{"name": "accounts", "definition": {"columns": []}}`),
	}); err != nil {
		t.Errorf("create without params failed: %v", err)
	}
}

func TestBuildProcedureSubscribeUsesCaller(t *testing.T) {
	args := procArgs{
		Params:   json.RawMessage(`{"channel": {"scope": "tableData", "name": "accounts"}}`),
		Username: "bob",
	}
	if _, err := buildProcedure("subscribeTo", args); err != nil {
		t.Errorf("subscribe for the caller failed: %v", err)
	}

	// Anonymous with no explicit user: rejected before execution.
	args.Username = ""
	if _, err := buildProcedure("subscribeTo", args); err != action.ErrUnauthorized {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}
