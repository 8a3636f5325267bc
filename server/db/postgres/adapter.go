// Package postgres is a database adapter backed by PostgreSQL through
// pgx/pgxpool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/lattice-db/lattice/server/db"
	"github.com/lattice-db/lattice/server/store"
	t "github.com/lattice-db/lattice/server/store/types"
)

const (
	adapterName = "postgres"
	adpVersion  = 1

	defaultMaxConns = 8
)

// querier is the subset of pgx methods shared by the pool and a transaction,
// so every Store method runs unchanged in both contexts.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type adapter struct {
	pool *pgxpool.Pool
	db   querier
}

type configType struct {
	DSN      string `json:"dsn"`
	MaxConns int    `json:"max_conns"`
}

func (a *adapter) Open(jsonconf json.RawMessage) error {
	if a.pool != nil {
		return errors.New("postgres: adapter is already connected")
	}
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("postgres: failed to parse config: " + err.Error())
	}
	if config.DSN == "" {
		return errors.New("postgres: missing dsn")
	}
	if config.MaxConns <= 0 {
		config.MaxConns = defaultMaxConns
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return err
	}
	poolConfig.MaxConns = int32(config.MaxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return err
	}
	a.pool = pool
	a.db = pool
	return a.createSchema(ctx)
}

func (a *adapter) Close() error {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
		a.db = nil
	}
	return nil
}

func (a *adapter) IsOpen() bool {
	return a.pool != nil
}

func (a *adapter) GetName() string {
	return adapterName
}

func (a *adapter) Stats() any {
	if a.pool == nil {
		return nil
	}
	return a.pool.Stat()
}

func (a *adapter) CheckDbVersion() error {
	var version int
	err := a.db.QueryRow(context.Background(),
		"SELECT version FROM schema_version").Scan(&version)
	if err != nil {
		return err
	}
	if version != adpVersion {
		return errors.New("postgres: invalid database version " +
			strconv.Itoa(version) + ", expected " + strconv.Itoa(adpVersion))
	}
	return nil
}

func (a *adapter) createSchema(ctx context.Context) error {
	_, err := a.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entities(
	id      BIGINT PRIMARY KEY,
	kind    VARCHAR(16) NOT NULL,
	name    VARCHAR(128) NOT NULL,
	def     JSONB NOT NULL,
	UNIQUE(kind, name));

CREATE TABLE IF NOT EXISTS users(
	id           BIGINT PRIMARY KEY,
	username     VARCHAR(64) NOT NULL UNIQUE,
	email        VARCHAR(128) UNIQUE,
	display_name VARCHAR(128),
	passhash     BYTEA NOT NULL,
	admin        BOOLEAN NOT NULL DEFAULT FALSE);

CREATE TABLE IF NOT EXISTS roles(
	name        VARCHAR(64) PRIMARY KEY,
	description TEXT);

CREATE TABLE IF NOT EXISTS role_permissions(
	role_name  VARCHAR(64) NOT NULL REFERENCES roles(name) ON DELETE CASCADE,
	permission TEXT NOT NULL,
	PRIMARY KEY(role_name, permission));

CREATE TABLE IF NOT EXISTS user_roles(
	user_id   BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role_name VARCHAR(64) NOT NULL REFERENCES roles(name) ON DELETE CASCADE,
	PRIMARY KEY(user_id, role_name));

CREATE TABLE IF NOT EXISTS channels(
	id   BIGINT PRIMARY KEY,
	data TEXT NOT NULL UNIQUE);

CREATE TABLE IF NOT EXISTS subscriptions(
	user_id       BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	channel_id    BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	subscribed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY(user_id, channel_id));

CREATE TABLE IF NOT EXISTS messages(
	id         VARCHAR(36) PRIMARY KEY,
	channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	action     VARCHAR(64) NOT NULL,
	data       JSONB NOT NULL,
	sent_at    TIMESTAMPTZ NOT NULL);
CREATE INDEX IF NOT EXISTS messages_channel_sent_at ON messages(channel_id, sent_at);

CREATE TABLE IF NOT EXISTS schema_version(version INT NOT NULL);`)
	if err != nil {
		return err
	}
	var count int
	if err = a.db.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err = a.db.Exec(ctx, "INSERT INTO schema_version(version) VALUES($1)", adpVersion)
	}
	return err
}

// Transaction runs fn against a transaction-scoped copy of the adapter.
func (a *adapter) Transaction(ctx context.Context, fn func(tx db.Store) error) error {
	pgtx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	scoped := &adapter{pool: a.pool, db: pgtx}
	if err = fn(scoped); err != nil {
		pgtx.Rollback(ctx)
		return err
	}
	return pgtx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// Entity definitions.

func (a *adapter) EntityGetAll(ctx context.Context, kind t.EntityKind) ([]t.Entity, error) {
	rows, err := a.db.Query(ctx,
		"SELECT kind, name, def FROM entities WHERE kind=$1 ORDER BY name", string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []t.Entity
	for rows.Next() {
		var e t.Entity
		if err = rows.Scan(&e.Kind, &e.Name, &e.Def); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (a *adapter) EntityGet(ctx context.Context, kind t.EntityKind, name string) (*t.Entity, error) {
	var e t.Entity
	err := a.db.QueryRow(ctx,
		"SELECT kind, name, def FROM entities WHERE kind=$1 AND name=$2",
		string(kind), name).Scan(&e.Kind, &e.Name, &e.Def)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
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
	_, err = a.db.Exec(ctx,
		"INSERT INTO entities(id, kind, name, def) VALUES($1, $2, $3, $4)",
		id, string(entity.Kind), entity.Name, entity.Def)
	if isUniqueViolation(err) {
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
	_, err = a.db.Exec(ctx,
		`INSERT INTO entities(id, kind, name, def) VALUES($1, $2, $3, $4)
		 ON CONFLICT (kind, name) DO UPDATE SET def=EXCLUDED.def`,
		id, string(entity.Kind), entity.Name, entity.Def)
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
	_, err = a.db.Exec(ctx,
		"UPDATE entities SET name=$1, def=$2 WHERE kind=$3 AND name=$4",
		entity.Name, entity.Def, string(entity.Kind), name)
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
	_, err = a.db.Exec(ctx,
		"DELETE FROM entities WHERE kind=$1 AND name=$2", string(kind), name)
	if err != nil {
		return t.Deleted{}, err
	}
	return t.Deleted{Old: existing}, nil
}

// Dynamic table data. The table name is resolved through the stored entity
// definition first, so only declared tables are reachable and the quoted
// identifier is taken from the definition, not from raw client input.

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
	return pgx.Identifier{name}.Sanitize()
}

func (a *adapter) readRows(rows pgx.Rows) (t.TableData, error) {
	defer rows.Close()

	var data t.TableData
	for _, fd := range rows.FieldDescriptions() {
		data.Columns = append(data.Columns, string(fd.Name))
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return t.TableData{}, err
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			row[data.Columns[i]] = v
		}
		data.Rows = append(data.Rows, row)
	}
	return data, rows.Err()
}

// rowColumns returns the row's column names sorted, validated against the
// table definition.
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
	rows, err := a.db.Query(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return t.TableData{}, err
	}
	return a.readRows(rows)
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
			marks[i] = "$" + strconv.Itoa(i+1)
			args[i] = row[c]
		}
		_, err = a.db.Exec(ctx, "INSERT INTO "+quoteIdent(table)+
			"("+strings.Join(quoted, ",")+") VALUES("+strings.Join(marks, ",")+")", args...)
		if err != nil {
			if isUniqueViolation(err) {
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
			args = append(args, row[c])
			sets = append(sets, quoteIdent(c)+"=$"+strconv.Itoa(len(args)))
		}
		for _, k := range keys {
			v, ok := row[k]
			if !ok {
				return t.TableData{}, t.ErrMalformed
			}
			args = append(args, v)
			wheres = append(wheres, quoteIdent(k)+"=$"+strconv.Itoa(len(args)))
		}
		if len(sets) == 0 {
			return t.TableData{}, t.ErrMalformed
		}
		tag, err := a.db.Exec(ctx, "UPDATE "+quoteIdent(table)+" SET "+
			strings.Join(sets, ",")+" WHERE "+strings.Join(wheres, " AND "), args...)
		if err != nil {
			return t.TableData{}, err
		}
		if tag.RowsAffected() > 0 {
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
			args = append(args, v)
			wheres = append(wheres, quoteIdent(k)+"=$"+strconv.Itoa(len(args)))
		}
		tag, err := a.db.Exec(ctx, "DELETE FROM "+quoteIdent(table)+
			" WHERE "+strings.Join(wheres, " AND "), args...)
		if err != nil {
			return t.TableData{}, err
		}
		if tag.RowsAffected() > 0 {
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
	rows, err := a.db.Query(ctx, statement, args...)
	if err != nil {
		return t.TableData{}, err
	}
	return a.readRows(rows)
}

// Users.

const userColumns = "id, username, COALESCE(email, ''), COALESCE(display_name, ''), admin"

func scanUser(row pgx.Row) (*t.User, error) {
	var u t.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Admin)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (a *adapter) UserGetAll(ctx context.Context) ([]t.User, error) {
	rows, err := a.db.Query(ctx, "SELECT "+userColumns+" FROM users ORDER BY username")
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
	return scanUser(a.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username=$1 OR email=$1", ident))
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
	_, err = a.db.Exec(ctx,
		`INSERT INTO users(id, username, email, display_name, passhash, admin)
		 VALUES($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Username, email, user.DisplayName, passhash, user.Admin)
	if isUniqueViolation(err) {
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
	if _, err = a.db.Exec(ctx, "DELETE FROM users WHERE id=$1", user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

func (a *adapter) UserAuthRecord(ctx context.Context, ident string) (*t.User, []byte, error) {
	var u t.User
	var passhash []byte
	err := a.db.QueryRow(ctx,
		`SELECT `+userColumns+`, passhash FROM users WHERE username=$1 OR email=$1`,
		ident).Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Admin, &passhash)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &u, passhash, nil
}

// Roles and permissions.

func (a *adapter) RoleGetAll(ctx context.Context) ([]t.Role, error) {
	rows, err := a.db.Query(ctx,
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
	_, err := a.db.Exec(ctx,
		"INSERT INTO roles(name, description) VALUES($1, $2)", role.Name, role.Description)
	if isUniqueViolation(err) {
		return nil, t.ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (a *adapter) RoleDelete(ctx context.Context, name string) (*t.Role, error) {
	var role t.Role
	err := a.db.QueryRow(ctx,
		"SELECT name, COALESCE(description, '') FROM roles WHERE name=$1", name).
		Scan(&role.Name, &role.Description)
	if err == pgx.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err = a.db.Exec(ctx, "DELETE FROM roles WHERE name=$1", name); err != nil {
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
	_, err = a.db.Exec(ctx,
		`INSERT INTO role_permissions(role_name, permission) VALUES($1, $2)
		 ON CONFLICT DO NOTHING`, role, key)
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
	tag, err := a.db.Exec(ctx,
		"DELETE FROM role_permissions WHERE role_name=$1 AND permission=$2", role, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
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
	_, err = a.db.Exec(ctx,
		`INSERT INTO user_roles(user_id, role_name) VALUES($1, $2)
		 ON CONFLICT DO NOTHING`, user.ID, role)
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
	tag, err := a.db.Exec(ctx,
		"DELETE FROM user_roles WHERE user_id=$1 AND role_name=$2", user.ID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return t.ErrNotFound
	}
	return nil
}

func (a *adapter) UserPermissions(ctx context.Context, userID int64) (t.PermissionSet, error) {
	perms := t.PermissionSet{}

	rows, err := a.db.Query(ctx,
		`SELECT rp.permission FROM user_roles ur
		 JOIN role_permissions rp ON rp.role_name = ur.role_name
		 WHERE ur.user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	if err = collectPermissions(rows, perms); err != nil {
		return nil, err
	}

	// Role membership itself is a capability.
	rows, err = a.db.Query(ctx,
		"SELECT role_name FROM user_roles WHERE user_id=$1", userID)
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
	rows, err := a.db.Query(ctx, "SELECT DISTINCT permission FROM role_permissions")
	if err != nil {
		return nil, err
	}
	if err = collectPermissions(rows, perms); err != nil {
		return nil, err
	}
	return perms, nil
}

func collectPermissions(rows pgx.Rows, into t.PermissionSet) error {
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

// channelID resolves the channel row, creating it on first use. Channels are
// never deleted.
func (a *adapter) channelID(ctx context.Context, ch t.Channel) (int64, error) {
	key, err := ch.Key()
	if err != nil {
		return 0, err
	}
	var id int64
	err = a.db.QueryRow(ctx, "SELECT id FROM channels WHERE data=$1", key).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return 0, err
	}
	id, err = store.NextID()
	if err != nil {
		return 0, err
	}
	_, err = a.db.Exec(ctx,
		"INSERT INTO channels(id, data) VALUES($1, $2) ON CONFLICT (data) DO NOTHING", id, key)
	if err != nil {
		return 0, err
	}
	// Reread to cover a concurrent insert of the same key.
	err = a.db.QueryRow(ctx, "SELECT id FROM channels WHERE data=$1", key).Scan(&id)
	return id, err
}

func (a *adapter) MailboxPublish(ctx context.Context, ch t.Channel, action string, data json.RawMessage) error {
	chID, err := a.channelID(ctx, ch)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(ctx,
		"INSERT INTO messages(id, channel_id, action, data, sent_at) VALUES($1, $2, $3, $4, $5)",
		uuid.NewString(), chID, action, data, t.TimeNow())
	return err
}

func (a *adapter) MailboxSubscribe(ctx context.Context, userID int64, ch t.Channel) (*t.Subscription, error) {
	user, err := scanUser(a.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=$1", userID))
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
	_, err = a.db.Exec(ctx,
		"INSERT INTO subscriptions(user_id, channel_id, subscribed_at) VALUES($1, $2, $3)",
		userID, chID, subscribedAt)
	if isUniqueViolation(err) {
		return nil, t.ErrAlreadySubscribed
	}
	if err != nil {
		return nil, err
	}
	return &t.Subscription{User: *user, Channel: ch, SubscribedAt: subscribedAt}, nil
}

func (a *adapter) MailboxUnsubscribe(ctx context.Context, userID int64, ch t.Channel) (*t.Subscription, error) {
	user, err := scanUser(a.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=$1", userID))
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
	err = a.db.QueryRow(ctx,
		`DELETE FROM subscriptions s USING channels c
		 WHERE s.channel_id = c.id AND s.user_id=$1 AND c.data=$2
		 RETURNING s.subscribed_at`, userID, key).Scan(&subscribedAt)
	if err == pgx.ErrNoRows {
		return nil, t.ErrNotSubscribed
	}
	if err != nil {
		return nil, err
	}
	return &t.Subscription{User: *user, Channel: ch, SubscribedAt: subscribedAt}, nil
}

func (a *adapter) MailboxUnsubscribeAll(ctx context.Context, userID int64) error {
	_, err := a.db.Exec(ctx, "DELETE FROM subscriptions WHERE user_id=$1", userID)
	return err
}

func (a *adapter) MailboxSubscribers(ctx context.Context, ch t.Channel) ([]t.User, error) {
	key, err := ch.Key()
	if err != nil {
		return nil, err
	}
	rows, err := a.db.Query(ctx,
		`SELECT `+userColumns+` FROM users u
		 JOIN subscriptions s ON s.user_id = u.id
		 JOIN channels c ON c.id = s.channel_id
		 WHERE c.data=$1 ORDER BY u.username`, key)
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
	rows, err := a.db.Query(ctx,
		`SELECT c.data, m.action, m.data, m.sent_at FROM messages m
		 JOIN channels c ON c.id = m.channel_id
		 JOIN subscriptions s ON s.channel_id = m.channel_id
		 WHERE s.user_id=$1 AND m.sent_at >= $2 AND m.sent_at < $3
		 ORDER BY m.sent_at`, userID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []t.Message
	for rows.Next() {
		var m t.Message
		var chKey string
		if err = rows.Scan(&chKey, &m.Action, &m.Data, &m.SentAt); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(chKey), &m.Channel); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MailboxPermissionsRemoved is currently a no-op: subscriptions are not
// re-validated against revoked capabilities. A principal keeps a
// subscription until explicitly unsubscribed.
func (a *adapter) MailboxPermissionsRemoved(ctx context.Context) error {
	return nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
