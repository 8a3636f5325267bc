// Package mysql is a database adapter backed by MySQL through sqlx.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	ms "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lattice-db/lattice/server/db"
	"github.com/lattice-db/lattice/server/store"
	t "github.com/lattice-db/lattice/server/store/types"
)

const (
	adapterName = "mysql"
	adpVersion  = 1

	defaultMaxConns = 8
)

type adapter struct {
	conn *sqlx.DB
	db   sqlx.ExtContext
}

type configType struct {
	DSN      string `json:"dsn"`
	MaxConns int    `json:"max_conns"`
}

func (a *adapter) Open(jsonconf json.RawMessage) error {
	if a.conn != nil {
		return errors.New("mysql: adapter is already connected")
	}
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("mysql: failed to parse config: " + err.Error())
	}
	if config.DSN == "" {
		return errors.New("mysql: missing dsn")
	}
	if config.MaxConns <= 0 {
		config.MaxConns = defaultMaxConns
	}

	conn, err := sqlx.Open("mysql", config.DSN)
	if err != nil {
		return err
	}
	conn.SetMaxOpenConns(config.MaxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = conn.PingContext(ctx); err != nil {
		conn.Close()
		return err
	}
	a.conn = conn
	a.db = conn
	return a.createSchema(ctx)
}

func (a *adapter) Close() error {
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		a.db = nil
		return err
	}
	return nil
}

func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

func (a *adapter) GetName() string {
	return adapterName
}

func (a *adapter) Stats() any {
	if a.conn == nil {
		return nil
	}
	return a.conn.Stats()
}

func (a *adapter) CheckDbVersion() error {
	var version int
	err := a.db.QueryRowxContext(context.Background(),
		"SELECT version FROM schema_version").Scan(&version)
	if err != nil {
		return err
	}
	if version != adpVersion {
		return errors.New("mysql: invalid database version " +
			strconv.Itoa(version) + ", expected " + strconv.Itoa(adpVersion))
	}
	return nil
}

func (a *adapter) createSchema(ctx context.Context) error {
	// MySQL runs one statement per Exec.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entities(
			id   BIGINT PRIMARY KEY,
			kind VARCHAR(16) NOT NULL,
			name VARCHAR(128) NOT NULL,
			def  JSON NOT NULL,
			UNIQUE KEY entities_kind_name(kind, name))`,
		`CREATE TABLE IF NOT EXISTS users(
			id           BIGINT PRIMARY KEY,
			username     VARCHAR(64) NOT NULL UNIQUE,
			email        VARCHAR(128) UNIQUE,
			display_name VARCHAR(128),
			passhash     VARBINARY(255) NOT NULL,
			admin        BOOLEAN NOT NULL DEFAULT FALSE)`,
		`CREATE TABLE IF NOT EXISTS roles(
			name        VARCHAR(64) PRIMARY KEY,
			description TEXT)`,
		`CREATE TABLE IF NOT EXISTS role_permissions(
			role_name  VARCHAR(64) NOT NULL,
			permission VARCHAR(255) NOT NULL,
			PRIMARY KEY(role_name, permission),
			FOREIGN KEY(role_name) REFERENCES roles(name) ON DELETE CASCADE)`,
		`CREATE TABLE IF NOT EXISTS user_roles(
			user_id   BIGINT NOT NULL,
			role_name VARCHAR(64) NOT NULL,
			PRIMARY KEY(user_id, role_name),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(role_name) REFERENCES roles(name) ON DELETE CASCADE)`,
		`CREATE TABLE IF NOT EXISTS channels(
			id   BIGINT PRIMARY KEY,
			data VARCHAR(255) NOT NULL UNIQUE)`,
		`CREATE TABLE IF NOT EXISTS subscriptions(
			user_id       BIGINT NOT NULL,
			channel_id    BIGINT NOT NULL,
			subscribed_at DATETIME(3) NOT NULL,
			PRIMARY KEY(user_id, channel_id),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(channel_id) REFERENCES channels(id) ON DELETE CASCADE)`,
		`CREATE TABLE IF NOT EXISTS messages(
			id         VARCHAR(36) PRIMARY KEY,
			channel_id BIGINT NOT NULL,
			action     VARCHAR(64) NOT NULL,
			data       JSON NOT NULL,
			sent_at    DATETIME(3) NOT NULL,
			KEY messages_channel_sent_at(channel_id, sent_at),
			FOREIGN KEY(channel_id) REFERENCES channels(id) ON DELETE CASCADE)`,
		`CREATE TABLE IF NOT EXISTS schema_version(version INT NOT NULL)`,
	}
	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	var count int
	if err := a.db.QueryRowxContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := a.db.ExecContext(ctx, "INSERT INTO schema_version(version) VALUES(?)", adpVersion)
		return err
	}
	return nil
}

// Transaction runs fn against a transaction-scoped copy of the adapter.
func (a *adapter) Transaction(ctx context.Context, fn func(tx db.Store) error) error {
	sqltx, err := a.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	scoped := &adapter{conn: a.conn, db: sqltx}
	if err = fn(scoped); err != nil {
		sqltx.Rollback()
		return err
	}
	return sqltx.Commit()
}

func isDupe(err error) bool {
	var myerr *ms.MySQLError
	return errors.As(err, &myerr) && myerr.Number == 1062
}

func isFKViolation(err error) bool {
	var myerr *ms.MySQLError
	return errors.As(err, &myerr) && myerr.Number == 1452
}

// Entity definitions.

func (a *adapter) EntityGetAll(ctx context.Context, kind t.EntityKind) ([]t.Entity, error) {
	rows, err := a.db.QueryxContext(ctx,
		"SELECT kind, name, def FROM entities WHERE kind=? ORDER BY name", string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []t.Entity
	for rows.Next() {
		var e t.Entity
		var def []byte
		if err = rows.Scan(&e.Kind, &e.Name, &def); err != nil {
			return nil, err
		}
		e.Def = json.RawMessage(def)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (a *adapter) EntityGet(ctx context.Context, kind t.EntityKind, name string) (*t.Entity, error) {
	var e t.Entity
	var def []byte
	err := a.db.QueryRowxContext(ctx,
		"SELECT kind, name, def FROM entities WHERE kind=? AND name=?",
		string(kind), name).Scan(&e.Kind, &e.Name, &def)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Def = json.RawMessage(def)
	return &e, nil
}

func (a *adapter) EntityCreate(ctx context.Context, entity t.Entity) (t.Created, error) {
	existing, err := a.EntityGet(ctx, entity.Kind, entity.Name)
	if err != nil {
		return t.Created{}, err
	}
	if existing != nil {
		return t.Created{Existing: existing}, nil
	}
	id, err := store.NextID()
	if err != nil {
		return t.Created{}, err
	}
	_, err = a.db.ExecContext(ctx,
		"INSERT INTO entities(id, kind, name, def) VALUES(?, ?, ?, ?)",
		id, string(entity.Kind), entity.Name, []byte(entity.Def))
	if isDupe(err) {
		// Lost a race against a concurrent create of the same name.
		existing, err = a.EntityGet(ctx, entity.Kind, entity.Name)
		if err != nil {
			return t.Created{}, err
		}
		return t.Created{Existing: existing}, nil
	}
	if err != nil {
		return t.Created{}, err
	}
	return t.Created{New: &entity}, nil
}

func (a *adapter) EntityUpsert(ctx context.Context, entity t.Entity) (t.Upserted, error) {
	existing, err := a.EntityGet(ctx, entity.Kind, entity.Name)
	if err != nil {
		return t.Upserted{}, err
	}
	id, err := store.NextID()
	if err != nil {
		return t.Upserted{}, err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO entities(id, kind, name, def) VALUES(?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE def=VALUES(def)`,
		id, string(entity.Kind), entity.Name, []byte(entity.Def))
	if err != nil {
		return t.Upserted{}, err
	}
	return t.Upserted{Old: existing, New: &entity}, nil
}

func (a *adapter) EntityUpdate(ctx context.Context, name string, entity t.Entity) (t.Updated, error) {
	existing, err := a.EntityGet(ctx, entity.Kind, name)
	if err != nil {
		return t.Updated{}, err
	}
	if existing == nil {
		return t.Updated{}, nil
	}
	_, err = a.db.ExecContext(ctx,
		"UPDATE entities SET name=?, def=? WHERE kind=? AND name=?",
		entity.Name, []byte(entity.Def), string(entity.Kind), name)
	if err != nil {
		return t.Updated{}, err
	}
	return t.Updated{Old: existing, New: &entity}, nil
}

func (a *adapter) EntityDelete(ctx context.Context, kind t.EntityKind, name string) (t.Deleted, error) {
	existing, err := a.EntityGet(ctx, kind, name)
	if err != nil {
		return t.Deleted{}, err
	}
	if existing == nil {
		return t.Deleted{}, nil
	}
	_, err = a.db.ExecContext(ctx,
		"DELETE FROM entities WHERE kind=? AND name=?", string(kind), name)
	if err != nil {
		return t.Deleted{}, err
	}
	return t.Deleted{Old: existing}, nil
}

// Dynamic table data.

type columnDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Key  bool   `json:"key,omitempty"`
}

type tableDef struct {
	Columns []columnDef `json:"columns"`
}

func (a *adapter) tableDef(ctx context.Context, table string) (*tableDef, error) {
	entity, err := a.EntityGet(ctx, t.KindTable, table)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, t.ErrNotFound
	}
	var def tableDef
	if err = json.Unmarshal(entity.Def, &def); err != nil {
		return nil, t.ErrMalformed
	}
	if len(def.Columns) == 0 {
		return nil, t.ErrMalformed
	}
	return &def, nil
}

func (def *tableDef) keyColumns() []string {
	var keys []string
	for _, c := range def.Columns {
		if c.Key {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

func (def *tableDef) hasColumn(name string) bool {
	for _, c := range def.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func readRows(rows *sqlx.Rows) (t.TableData, error) {
	defer rows.Close()

	var data t.TableData
	cols, err := rows.Columns()
	if err != nil {
		return t.TableData{}, err
	}
	data.Columns = cols
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return t.TableData{}, err
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			// The driver returns []byte for text columns.
			if b, ok := v.([]byte); ok {
				row[cols[i]] = string(b)
			} else {
				row[cols[i]] = v
			}
		}
		data.Rows = append(data.Rows, row)
	}
	return data, rows.Err()
}

func rowColumns(def *tableDef, row map[string]any) ([]string, error) {
	cols := make([]string, 0, len(row))
	for name := range row {
		if !def.hasColumn(name) {
			return nil, t.ErrMalformed
		}
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols, nil
}

func (a *adapter) TableDataQuery(ctx context.Context, table string) (t.TableData, error) {
	if _, err := a.tableDef(ctx, table); err != nil {
		return t.TableData{}, err
	}
	rows, err := a.db.QueryxContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return t.TableData{}, err
	}
	return readRows(rows)
}

func (a *adapter) TableDataInsert(ctx context.Context, table string, data t.TableData) (t.TableData, error) {
	def, err := a.tableDef(ctx, table)
	if err != nil {
		return t.TableData{}, err
	}
	inserted := t.TableData{Rows: []map[string]any{}}
	for _, row := range data.Rows {
		cols, err := rowColumns(def, row)
		if err != nil {
			return t.TableData{}, err
		}
		if len(cols) == 0 {
			return t.TableData{}, t.ErrMalformed
		}
		quoted := make([]string, len(cols))
		marks := make([]string, len(cols))
		args := make([]interface{}, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
			marks[i] = "?"
			args[i] = row[c]
		}
		_, err = a.db.ExecContext(ctx, "INSERT INTO "+quoteIdent(table)+
			"("+strings.Join(quoted, ",")+") VALUES("+strings.Join(marks, ",")+")", args...)
		if err != nil {
			if isDupe(err) {
				return t.TableData{}, t.ErrDuplicate
			}
			return t.TableData{}, err
		}
		inserted.Rows = append(inserted.Rows, row)
	}
	return inserted, nil
}

func (a *adapter) TableDataModify(ctx context.Context, table string, data t.TableData) (t.TableData, error) {
	def, err := a.tableDef(ctx, table)
	if err != nil {
		return t.TableData{}, err
	}
	keys := def.keyColumns()
	if len(keys) == 0 {
		return t.TableData{}, t.ErrMalformed
	}
	modified := t.TableData{Rows: []map[string]any{}}
	for _, row := range data.Rows {
		cols, err := rowColumns(def, row)
		if err != nil {
			return t.TableData{}, err
		}
		var sets, wheres []string
		var args []interface{}
		for _, c := range cols {
			if isKey(keys, c) {
				continue
			}
			sets = append(sets, quoteIdent(c)+"=?")
			args = append(args, row[c])
		}
		for _, k := range keys {
			v, ok := row[k]
			if !ok {
				return t.TableData{}, t.ErrMalformed
			}
			wheres = append(wheres, quoteIdent(k)+"=?")
			args = append(args, v)
		}
		if len(sets) == 0 {
			return t.TableData{}, t.ErrMalformed
		}
		res, err := a.db.ExecContext(ctx, "UPDATE "+quoteIdent(table)+" SET "+
			strings.Join(sets, ",")+" WHERE "+strings.Join(wheres, " AND "), args...)
		if err != nil {
			return t.TableData{}, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			modified.Rows = append(modified.Rows, row)
		}
	}
	return modified, nil
}

func (a *adapter) TableDataRemove(ctx context.Context, table string, keyData t.TableData) (t.TableData, error) {
	def, err := a.tableDef(ctx, table)
	if err != nil {
		return t.TableData{}, err
	}
	keys := def.keyColumns()
	if len(keys) == 0 {
		return t.TableData{}, t.ErrMalformed
	}
	removed := t.TableData{Rows: []map[string]any{}}
	for _, row := range keyData.Rows {
		var wheres []string
		var args []interface{}
		for _, k := range keys {
			v, ok := row[k]
			if !ok {
				return t.TableData{}, t.ErrMalformed
			}
			wheres = append(wheres, quoteIdent(k)+"=?")
			args = append(args, v)
		}
		res, err := a.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)+
			" WHERE "+strings.Join(wheres, " AND "), args...)
		if err != nil {
			return t.TableData{}, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed.Rows = append(removed.Rows, row)
		}
	}
	return removed, nil
}

func isKey(keys []string, col string) bool {
	for _, k := range keys {
		if k == col {
			return true
		}
	}
	return false
}

func (a *adapter) Exec(ctx context.Context, statement string, args []any) (t.TableData, error) {
	rows, err := a.db.QueryxContext(ctx, statement, args...)
	if err != nil {
		return t.TableData{}, err
	}
	return readRows(rows)
}

// Users.

const userColumns = "id, username, COALESCE(email, ''), COALESCE(display_name, ''), admin"

func (a *adapter) scanUserRow(ctx context.Context, query string, args ...interface{}) (*t.User, error) {
	var u t.User
	err := a.db.QueryRowxContext(ctx, query, args...).
		Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Admin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (a *adapter) UserGetAll(ctx context.Context) ([]t.User, error) {
	rows, err := a.db.QueryxContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []t.User
	for rows.Next() {
		var u t.User
		if err = rows.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Admin); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (a *adapter) UserGet(ctx context.Context, ident string) (*t.User, error) {
	return a.scanUserRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username=? OR email=?", ident, ident)
}

func (a *adapter) UserCreate(ctx context.Context, user t.User, passhash []byte) (*t.User, error) {
	id, err := store.NextID()
	if err != nil {
		return nil, err
	}
	user.ID = id
	var email any
	if user.Email != "" {
		email = user.Email
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO users(id, username, email, display_name, passhash, admin)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, email, user.DisplayName, passhash, user.Admin)
	if isDupe(err) {
		return nil, t.ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *adapter) UserDelete(ctx context.Context, ident string) (*t.User, error) {
	user, err := a.UserGet(ctx, ident)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, t.ErrNotFound
	}
	if _, err = a.db.ExecContext(ctx, "DELETE FROM users WHERE id=?", user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

func (a *adapter) UserAuthRecord(ctx context.Context, ident string) (*t.User, []byte, error) {
	var u t.User
	var passhash []byte
	err := a.db.QueryRowxContext(ctx,
		"SELECT "+userColumns+", passhash FROM users WHERE username=? OR email=?",
		ident, ident).Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Admin, &passhash)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &u, passhash, nil
}

// Roles and permissions.

func (a *adapter) RoleGetAll(ctx context.Context) ([]t.Role, error) {
	rows, err := a.db.QueryxContext(ctx,
		"SELECT name, COALESCE(description, '') FROM roles ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []t.Role
	for rows.Next() {
		var r t.Role
		if err = rows.Scan(&r.Name, &r.Description); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (a *adapter) RoleCreate(ctx context.Context, role t.Role) (*t.Role, error) {
	_, err := a.db.ExecContext(ctx,
		"INSERT INTO roles(name, description) VALUES(?, ?)", role.Name, role.Description)
	if isDupe(err) {
		return nil, t.ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (a *adapter) RoleDelete(ctx context.Context, name string) (*t.Role, error) {
	var role t.Role
	err := a.db.QueryRowxContext(ctx,
		"SELECT name, COALESCE(description, '') FROM roles WHERE name=?", name).
		Scan(&role.Name, &role.Description)
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err = a.db.ExecContext(ctx, "DELETE FROM roles WHERE name=?", name); err != nil {
		return nil, err
	}
	return &role, nil
}

func permissionKey(p t.Permission) (string, error) {
	key, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(key), nil
}

func (a *adapter) RoleAttachPermission(ctx context.Context, role string, p t.Permission) error {
	key, err := permissionKey(p)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		"INSERT IGNORE INTO role_permissions(role_name, permission) VALUES(?, ?)", role, key)
	if isFKViolation(err) {
		return t.ErrNotFound
	}
	return err
}

func (a *adapter) RoleDetachPermission(ctx context.Context, role string, p t.Permission) error {
	key, err := permissionKey(p)
	if err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx,
		"DELETE FROM role_permissions WHERE role_name=? AND permission=?", role, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.ErrNotFound
	}
	return nil
}

func (a *adapter) UserAttachRole(ctx context.Context, ident, role string) error {
	user, err := a.UserGet(ctx, ident)
	if err != nil {
		return err
	}
	if user == nil {
		return t.ErrUserNotFound
	}
	_, err = a.db.ExecContext(ctx,
		"INSERT IGNORE INTO user_roles(user_id, role_name) VALUES(?, ?)", user.ID, role)
	if isFKViolation(err) {
		return t.ErrNotFound
	}
	return err
}

func (a *adapter) UserDetachRole(ctx context.Context, ident, role string) error {
	user, err := a.UserGet(ctx, ident)
	if err != nil {
		return err
	}
	if user == nil {
		return t.ErrUserNotFound
	}
	res, err := a.db.ExecContext(ctx,
		"DELETE FROM user_roles WHERE user_id=? AND role_name=?", user.ID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.ErrNotFound
	}
	return nil
}

func (a *adapter) UserPermissions(ctx context.Context, userID int64) (t.PermissionSet, error) {
	perms := t.PermissionSet{}

	rows, err := a.db.QueryxContext(ctx,
		`SELECT rp.permission FROM user_roles ur
		 JOIN role_permissions rp ON rp.role_name = ur.role_name
		 WHERE ur.user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	if err = collectPermissions(rows, perms); err != nil {
		return nil, err
	}

	rows, err = a.db.QueryxContext(ctx,
		"SELECT role_name FROM user_roles WHERE user_id=?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err = rows.Scan(&role); err != nil {
			return nil, err
		}
		perms.Add(t.HasRole(role))
	}
	return perms, rows.Err()
}

func (a *adapter) AllPermissions(ctx context.Context) (t.PermissionSet, error) {
	perms := t.PermissionSet{}
	rows, err := a.db.QueryxContext(ctx, "SELECT DISTINCT permission FROM role_permissions")
	if err != nil {
		return nil, err
	}
	if err = collectPermissions(rows, perms); err != nil {
		return nil, err
	}
	return perms, nil
}

func collectPermissions(rows *sqlx.Rows, into t.PermissionSet) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		var p t.Permission
		if err := json.Unmarshal([]byte(key), &p); err != nil {
			return err
		}
		into.Add(p)
	}
	return rows.Err()
}

// Mailbox.

func (a *adapter) channelID(ctx context.Context, ch t.Channel) (int64, error) {
	key, err := ch.Key()
	if err != nil {
		return 0, err
	}
	var id int64
	err = a.db.QueryRowxContext(ctx, "SELECT id FROM channels WHERE data=?", key).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	id, err = store.NextID()
	if err != nil {
		return 0, err
	}
	_, err = a.db.ExecContext(ctx,
		"INSERT IGNORE INTO channels(id, data) VALUES(?, ?)", id, key)
	if err != nil {
		return 0, err
	}
	err = a.db.QueryRowxContext(ctx, "SELECT id FROM channels WHERE data=?", key).Scan(&id)
	return id, err
}

func (a *adapter) MailboxPublish(ctx context.Context, ch t.Channel, action string, data json.RawMessage) error {
	chID, err := a.channelID(ctx, ch)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		"INSERT INTO messages(id, channel_id, action, data, sent_at) VALUES(?, ?, ?, ?, ?)",
		uuid.NewString(), chID, action, []byte(data), t.TimeNow())
	return err
}

func (a *adapter) MailboxSubscribe(ctx context.Context, userID int64, ch t.Channel) (*t.Subscription, error) {
	user, err := a.scanUserRow(ctx, "SELECT "+userColumns+" FROM users WHERE id=?", userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, t.ErrUserNotFound
	}
	chID, err := a.channelID(ctx, ch)
	if err != nil {
		return nil, err
	}
	subscribedAt := t.TimeNow()
	_, err = a.db.ExecContext(ctx,
		"INSERT INTO subscriptions(user_id, channel_id, subscribed_at) VALUES(?, ?, ?)",
		userID, chID, subscribedAt)
	if isDupe(err) {
		return nil, t.ErrAlreadySubscribed
	}
	if err != nil {
		return nil, err
	}
	return &t.Subscription{User: *user, Channel: ch, SubscribedAt: subscribedAt}, nil
}

func (a *adapter) MailboxUnsubscribe(ctx context.Context, userID int64, ch t.Channel) (*t.Subscription, error) {
	user, err := a.scanUserRow(ctx, "SELECT "+userColumns+" FROM users WHERE id=?", userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, t.ErrUserNotFound
	}
	key, err := ch.Key()
	if err != nil {
		return nil, err
	}
	var subscribedAt time.Time
	err = a.db.QueryRowxContext(ctx,
		`SELECT s.subscribed_at FROM subscriptions s
		 JOIN channels c ON c.id = s.channel_id
		 WHERE s.user_id=? AND c.data=?`, userID, key).Scan(&subscribedAt)
	if err == sql.ErrNoRows {
		return nil, t.ErrNotSubscribed
	}
	if err != nil {
		return nil, err
	}
	_, err = a.db.ExecContext(ctx,
		`DELETE s FROM subscriptions s
		 JOIN channels c ON c.id = s.channel_id
		 WHERE s.user_id=? AND c.data=?`, userID, key)
	if err != nil {
		return nil, err
	}
	return &t.Subscription{User: *user, Channel: ch, SubscribedAt: subscribedAt}, nil
}

func (a *adapter) MailboxUnsubscribeAll(ctx context.Context, userID int64) error {
	_, err := a.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE user_id=?", userID)
	return err
}

func (a *adapter) MailboxSubscribers(ctx context.Context, ch t.Channel) ([]t.User, error) {
	key, err := ch.Key()
	if err != nil {
		return nil, err
	}
	rows, err := a.db.QueryxContext(ctx,
		`SELECT u.id, u.username, COALESCE(u.email, ''), COALESCE(u.display_name, ''), u.admin
		 FROM users u
		 JOIN subscriptions s ON s.user_id = u.id
		 JOIN channels c ON c.id = s.channel_id
		 WHERE c.data=? ORDER BY u.username`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []t.User
	for rows.Next() {
		var u t.User
		if err = rows.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Admin); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (a *adapter) MailboxMessages(ctx context.Context, userID int64, start, end time.Time) ([]t.Message, error) {
	rows, err := a.db.QueryxContext(ctx,
		`SELECT c.data, m.action, m.data, m.sent_at FROM messages m
		 JOIN channels c ON c.id = m.channel_id
		 JOIN subscriptions s ON s.channel_id = m.channel_id
		 WHERE s.user_id=? AND m.sent_at >= ? AND m.sent_at < ?
		 ORDER BY m.sent_at`, userID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []t.Message
	for rows.Next() {
		var m t.Message
		var chKey string
		var data []byte
		if err = rows.Scan(&chKey, &m.Action, &data, &m.SentAt); err != nil {
			return nil, err
		}
		m.Data = json.RawMessage(data)
		if err = json.Unmarshal([]byte(chKey), &m.Channel); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MailboxPermissionsRemoved is currently a no-op, same as in the postgres
// adapter: subscriptions survive capability revocation.
func (a *adapter) MailboxPermissionsRemoved(ctx context.Context) error {
	return nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
