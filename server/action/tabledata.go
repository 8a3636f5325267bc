package action

import (
	"encoding/json"

	t "github.com/lattice-db/lattice/server/store/types"
)

// Data operations on dynamic tables. Row shapes are opaque here; the storage
// adapter generates the SQL against the user-defined table.

type queryTableData struct {
	table string
}

// QueryTableData reads the rows of one dynamic table.
func QueryTableData(table string) Action {
	return WithPermissionRequired(
		&queryTableData{table: table},
		t.GetTableData(table))
}

func (a *queryTableData) Call(s *State) (*Result, error) {
	data, err := s.Conn.TableDataQuery(s.Ctx, a.table)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "queryTableData", Data: TableDataResult{Table: a.table, Data: data}}, nil
}

type insertTableData struct {
	table string
	data  t.TableData
}

// InsertTableData appends rows to a dynamic table.
func InsertTableData(table string, data t.TableData) Action {
	return WithPermissionRequired(
		WithDispatch(
			WithTransaction(&insertTableData{table: table, data: data}),
			t.TableDataChannel(table)),
		t.ModifyTableData(table))
}

func (a *insertTableData) Call(s *State) (*Result, error) {
	rows, err := s.Conn.TableDataInsert(s.Ctx, a.table, a.data)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "insertTableData", Data: TableDataResult{Table: a.table, Data: rows}}, nil
}

type modifyTableData struct {
	table string
	data  t.TableData
}

// ModifyTableData updates rows of a dynamic table keyed by their primary key
// columns.
func ModifyTableData(table string, data t.TableData) Action {
	return WithPermissionRequired(
		WithDispatch(
			WithTransaction(&modifyTableData{table: table, data: data}),
			t.TableDataChannel(table)),
		t.ModifyTableData(table))
}

func (a *modifyTableData) Call(s *State) (*Result, error) {
	rows, err := s.Conn.TableDataModify(s.Ctx, a.table, a.data)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "modifyTableData", Data: TableDataResult{Table: a.table, Data: rows}}, nil
}

type removeTableData struct {
	table string
	keys  t.TableData
}

// RemoveTableData deletes the rows matching the given keys.
func RemoveTableData(table string, keys t.TableData) Action {
	return WithPermissionRequired(
		WithDispatch(
			WithTransaction(&removeTableData{table: table, keys: keys}),
			t.TableDataChannel(table)),
		t.ModifyTableData(table))
}

func (a *removeTableData) Call(s *State) (*Result, error) {
	rows, err := s.Conn.TableDataRemove(s.Ctx, a.table, a.keys)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "removeTableData", Data: TableDataResult{Table: a.table, Data: rows}}, nil
}

type runQuery struct {
	name   string
	params []any
}

// RunQuery executes a stored query with positional parameters.
func RunQuery(name string, params []any) Action {
	return WithPermissionRequired(
		&runQuery{name: name, params: params},
		t.RunQuery(name))
}

func (a *runQuery) Call(s *State) (*Result, error) {
	entity, err := s.Conn.EntityGet(s.Ctx, t.KindQuery, a.name)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, ErrNotFound
	}
	var def struct {
		Statement string `json:"statement"`
	}
	if err := json.Unmarshal(entity.Def, &def); err != nil || def.Statement == "" {
		return nil, ErrMalformed
	}
	data, err := s.Conn.Exec(s.Ctx, def.Statement, a.params)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "runQuery", Data: RunQueryResult{Name: a.name, Data: data}}, nil
}

type runScript struct {
	name  string
	param json.RawMessage
}

// RunScript executes a stored script through the configured runner.
func RunScript(name string, param json.RawMessage) Action {
	return WithPermissionRequired(
		&runScript{name: name, param: param},
		t.RunScript(name))
}

func (a *runScript) Call(s *State) (*Result, error) {
	entity, err := s.Conn.EntityGet(s.Ctx, t.KindScript, a.name)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, ErrNotFound
	}
	if s.Scripts == nil {
		return nil, ErrUnknown
	}
	value, err := s.Scripts.Run(s.Ctx, *entity, a.param)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "runScript", Data: RunScriptResult{Name: a.name, Value: value}}, nil
}
