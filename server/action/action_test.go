package action

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lattice-db/lattice/server/db"
	types "github.com/lattice-db/lattice/server/store/types"
)

// fakeStore implements db.Store and db.Transactor in memory and records the
// order of the calls that matter for pipeline semantics.
type fakeStore struct {
	entities map[string]types.Entity
	perms    map[int64]types.PermissionSet
	allPerms types.PermissionSet

	subscribed map[string]bool
	messages   []types.Message

	published []publishRec
	log       []string
}

type publishRec struct {
	channel types.Channel
	action  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:   make(map[string]types.Entity),
		perms:      make(map[int64]types.PermissionSet),
		allPerms:   types.PermissionSet{},
		subscribed: make(map[string]bool),
	}
}

func entityKey(kind types.EntityKind, name string) string {
	return string(kind) + "/" + name
}

func (f *fakeStore) Transaction(ctx context.Context, fn func(tx db.Store) error) error {
	f.log = append(f.log, "begin")
	if err := fn(f); err != nil {
		f.log = append(f.log, "rollback")
		return err
	}
	f.log = append(f.log, "commit")
	return nil
}

func (f *fakeStore) EntityGetAll(ctx context.Context, kind types.EntityKind) ([]types.Entity, error) {
	var out []types.Entity
	for _, e := range f.entities {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) EntityGet(ctx context.Context, kind types.EntityKind, name string) (*types.Entity, error) {
	if e, ok := f.entities[entityKey(kind, name)]; ok {
		return &e, nil
	}
	return nil, nil
}

func (f *fakeStore) EntityCreate(ctx context.Context, entity types.Entity) (types.Created, error) {
	key := entityKey(entity.Kind, entity.Name)
	if existing, ok := f.entities[key]; ok {
		return types.Created{Existing: &existing}, nil
	}
	f.entities[key] = entity
	f.log = append(f.log, "write")
	return types.Created{New: &entity}, nil
}

func (f *fakeStore) EntityUpsert(ctx context.Context, entity types.Entity) (types.Upserted, error) {
	key := entityKey(entity.Kind, entity.Name)
	var old *types.Entity
	if existing, ok := f.entities[key]; ok {
		old = &existing
	}
	f.entities[key] = entity
	f.log = append(f.log, "write")
	return types.Upserted{Old: old, New: &entity}, nil
}

func (f *fakeStore) EntityUpdate(ctx context.Context, name string, entity types.Entity) (types.Updated, error) {
	key := entityKey(entity.Kind, name)
	existing, ok := f.entities[key]
	if !ok {
		return types.Updated{}, nil
	}
	delete(f.entities, key)
	f.entities[entityKey(entity.Kind, entity.Name)] = entity
	f.log = append(f.log, "write")
	return types.Updated{Old: &existing, New: &entity}, nil
}

func (f *fakeStore) EntityDelete(ctx context.Context, kind types.EntityKind, name string) (types.Deleted, error) {
	key := entityKey(kind, name)
	existing, ok := f.entities[key]
	if !ok {
		return types.Deleted{}, nil
	}
	delete(f.entities, key)
	f.log = append(f.log, "write")
	return types.Deleted{Old: &existing}, nil
}

func (f *fakeStore) TableDataQuery(ctx context.Context, table string) (types.TableData, error) {
	return types.TableData{}, nil
}
func (f *fakeStore) TableDataInsert(ctx context.Context, table string, data types.TableData) (types.TableData, error) {
	f.log = append(f.log, "write")
	return data, nil
}
func (f *fakeStore) TableDataModify(ctx context.Context, table string, data types.TableData) (types.TableData, error) {
	f.log = append(f.log, "write")
	return data, nil
}
func (f *fakeStore) TableDataRemove(ctx context.Context, table string, keys types.TableData) (types.TableData, error) {
	f.log = append(f.log, "write")
	return keys, nil
}
func (f *fakeStore) Exec(ctx context.Context, statement string, args []any) (types.TableData, error) {
	return types.TableData{}, nil
}

func (f *fakeStore) UserGetAll(ctx context.Context) ([]types.User, error) { return nil, nil }
func (f *fakeStore) UserGet(ctx context.Context, ident string) (*types.User, error) {
	if ident == "bob" {
		return &types.User{ID: 1, Username: "bob"}, nil
	}
	return nil, nil
}
func (f *fakeStore) UserCreate(ctx context.Context, user types.User, passhash []byte) (*types.User, error) {
	return &user, nil
}
func (f *fakeStore) UserDelete(ctx context.Context, ident string) (*types.User, error) {
	return nil, types.ErrNotFound
}
func (f *fakeStore) UserAuthRecord(ctx context.Context, ident string) (*types.User, []byte, error) {
	return nil, nil, nil
}

func (f *fakeStore) RoleGetAll(ctx context.Context) ([]types.Role, error) { return nil, nil }
func (f *fakeStore) RoleCreate(ctx context.Context, role types.Role) (*types.Role, error) {
	return &role, nil
}
func (f *fakeStore) RoleDelete(ctx context.Context, name string) (*types.Role, error) {
	return nil, types.ErrNotFound
}
func (f *fakeStore) RoleAttachPermission(ctx context.Context, role string, p types.Permission) error {
	return nil
}
func (f *fakeStore) RoleDetachPermission(ctx context.Context, role string, p types.Permission) error {
	return nil
}
func (f *fakeStore) UserAttachRole(ctx context.Context, ident, role string) error { return nil }
func (f *fakeStore) UserDetachRole(ctx context.Context, ident, role string) error { return nil }

func (f *fakeStore) UserPermissions(ctx context.Context, userID int64) (types.PermissionSet, error) {
	perms := types.PermissionSet{}
	for p := range f.perms[userID] {
		perms.Add(p)
	}
	return perms, nil
}

func (f *fakeStore) AllPermissions(ctx context.Context) (types.PermissionSet, error) {
	return f.allPerms, nil
}

func (f *fakeStore) MailboxPublish(ctx context.Context, ch types.Channel, action string, data json.RawMessage) error {
	f.published = append(f.published, publishRec{channel: ch, action: action})
	f.log = append(f.log, "publish")
	return nil
}

func (f *fakeStore) MailboxSubscribe(ctx context.Context, userID int64, ch types.Channel) (*types.Subscription, error) {
	key, _ := ch.Key()
	if f.subscribed[key] {
		return nil, types.ErrAlreadySubscribed
	}
	f.subscribed[key] = true
	return &types.Subscription{User: types.User{ID: userID}, Channel: ch, SubscribedAt: types.TimeNow()}, nil
}

func (f *fakeStore) MailboxUnsubscribe(ctx context.Context, userID int64, ch types.Channel) (*types.Subscription, error) {
	key, _ := ch.Key()
	if !f.subscribed[key] {
		return nil, types.ErrNotSubscribed
	}
	delete(f.subscribed, key)
	return &types.Subscription{User: types.User{ID: userID}, Channel: ch}, nil
}

func (f *fakeStore) MailboxUnsubscribeAll(ctx context.Context, userID int64) error {
	f.subscribed = make(map[string]bool)
	return nil
}

func (f *fakeStore) MailboxSubscribers(ctx context.Context, ch types.Channel) ([]types.User, error) {
	return nil, nil
}

func (f *fakeStore) MailboxMessages(ctx context.Context, userID int64, start, end time.Time) ([]types.Message, error) {
	var out []types.Message
	for _, m := range f.messages {
		if !m.SentAt.Before(start) && m.SentAt.Before(end) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MailboxPermissionsRemoved(ctx context.Context) error { return nil }

func stateFor(f *fakeStore, user *Principal) *State {
	return &State{Ctx: context.Background(), Conn: f, Txn: f, User: user}
}

func grant(f *fakeStore, userID int64, perms ...types.Permission) {
	set, ok := f.perms[userID]
	if !ok {
		set = types.PermissionSet{}
		f.perms[userID] = set
	}
	for _, p := range perms {
		set.Add(p)
	}
}

var alice = &Principal{ID: 1, Username: "alice"}
var root = &Principal{ID: 99, Username: "root", Admin: true}

func tableEntity(name string) types.Entity {
	return types.Entity{Kind: types.KindTable, Name: name, Def: json.RawMessage(`{"columns":[]}`)}
}

func TestCreateEntityPolicies(t *testing.T) {
	cases := []struct {
		name     string
		onDup    OnDuplicate
		existing bool
		wantErr  error
		// Which CreateEntityResult field must be set.
		want string
	}{
		{"fail fresh", OnDuplicateFail, false, nil, "created"},
		{"fail existing", OnDuplicateFail, true, ErrAlreadyExists, ""},
		{"ignore fresh", OnDuplicateIgnore, false, nil, "created"},
		{"ignore existing", OnDuplicateIgnore, true, nil, "alreadyExists"},
		{"update fresh", OnDuplicateUpdate, false, nil, "created"},
		{"update existing", OnDuplicateUpdate, true, nil, "updated"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeStore()
			if tc.existing {
				f.entities[entityKey(types.KindTable, "accounts")] = tableEntity("accounts")
			}
			grant(f, alice.ID, types.CreateEntity(types.KindTable),
				types.ModifyEntity(types.KindTable, "accounts"))

			res, err := CreateEntity(tableEntity("accounts"), tc.onDup).Call(stateFor(f, alice))
			if err != tc.wantErr {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			data := res.Data.(CreateEntityResult)
			var got string
			switch {
			case data.Created != nil:
				got = "created"
			case data.Updated != nil:
				got = "updated"
			case data.AlreadyExists != nil:
				got = "alreadyExists"
			}
			if got != tc.want {
				t.Errorf("got %q resolution, want %q", got, tc.want)
			}
		})
	}
}

func TestUpdateEntityPolicies(t *testing.T) {
	cases := []struct {
		name     string
		onNF     OnNotFound
		existing bool
		wantErr  error
		notFound bool
	}{
		{"existing", OnNotFoundFail, true, nil, false},
		{"fail missing", OnNotFoundFail, false, ErrNotFound, false},
		{"ignore missing", OnNotFoundIgnore, false, nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeStore()
			if tc.existing {
				f.entities[entityKey(types.KindTable, "accounts")] = tableEntity("accounts")
			}
			grant(f, alice.ID, types.ModifyEntity(types.KindTable, "accounts"))

			res, err := UpdateEntity("accounts", tableEntity("accounts"), tc.onNF).Call(stateFor(f, alice))
			if err != tc.wantErr {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			data := res.Data.(UpdateEntityResult)
			if tc.notFound && data.NotFound != "accounts" {
				t.Errorf("expected notFound resolution, got %+v", data)
			}
			if !tc.notFound && data.Updated == nil {
				t.Errorf("expected updated resolution, got %+v", data)
			}
		})
	}
}

func TestDeleteEntityPolicies(t *testing.T) {
	f := newFakeStore()
	f.entities[entityKey(types.KindTable, "accounts")] = tableEntity("accounts")
	grant(f, alice.ID, types.ModifyEntity(types.KindTable, "accounts"))

	res, err := DeleteEntity(types.KindTable, "accounts", OnNotFoundFail).Call(stateFor(f, alice))
	if err != nil {
		t.Fatal(err)
	}
	if res.Data.(DeleteEntityResult).Deleted == nil {
		t.Error("expected deleted resolution")
	}

	// The target is gone now.
	if _, err = DeleteEntity(types.KindTable, "accounts", OnNotFoundFail).Call(stateFor(f, alice)); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	res, err = DeleteEntity(types.KindTable, "accounts", OnNotFoundIgnore).Call(stateFor(f, alice))
	if err != nil {
		t.Fatal(err)
	}
	if res.Data.(DeleteEntityResult).NotFound != "accounts" {
		t.Error("expected notFound resolution")
	}
}

func TestGateRejectsBeforeStorage(t *testing.T) {
	f := newFakeStore()
	// No permissions granted at all.
	_, err := CreateEntity(tableEntity("accounts"), OnDuplicateFail).Call(stateFor(f, alice))
	if err != ErrUnauthorized {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if len(f.log) != 0 {
		t.Errorf("denied call touched storage: %v", f.log)
	}

	// Anonymous caller.
	if _, err = CreateEntity(tableEntity("accounts"), OnDuplicateFail).Call(stateFor(f, nil)); err != ErrUnauthorized {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestAdminBypassesGates(t *testing.T) {
	f := newFakeStore()
	if _, err := CreateEntity(tableEntity("accounts"), OnDuplicateFail).Call(stateFor(f, root)); err != nil {
		t.Fatalf("admin create failed: %v", err)
	}
}

func TestDispatchAfterCommitOnly(t *testing.T) {
	f := newFakeStore()
	grant(f, alice.ID, types.CreateEntity(types.KindTable))

	if _, err := CreateEntity(tableEntity("accounts"), OnDuplicateFail).Call(stateFor(f, alice)); err != nil {
		t.Fatal(err)
	}
	want := []string{"begin", "write", "commit", "publish"}
	if diff := cmp.Diff(want, f.log); diff != "" {
		t.Errorf("wrong call order (-want +got):\n%s", diff)
	}
	if len(f.published) != 1 || f.published[0].channel != types.AllEntities(types.KindTable) {
		t.Errorf("wrong publish: %+v", f.published)
	}
}

func TestDispatchSkippedWithoutStateChange(t *testing.T) {
	f := newFakeStore()
	f.entities[entityKey(types.KindTable, "accounts")] = tableEntity("accounts")
	grant(f, alice.ID, types.CreateEntity(types.KindTable))

	if _, err := CreateEntity(tableEntity("accounts"), OnDuplicateIgnore).Call(stateFor(f, alice)); err != nil {
		t.Fatal(err)
	}
	if len(f.published) != 0 {
		t.Errorf("no-op create must not publish, got %+v", f.published)
	}
}

func TestDispatchSkippedOnRollback(t *testing.T) {
	f := newFakeStore()
	f.entities[entityKey(types.KindTable, "accounts")] = tableEntity("accounts")
	grant(f, alice.ID, types.CreateEntity(types.KindTable))

	if _, err := CreateEntity(tableEntity("accounts"), OnDuplicateFail).Call(stateFor(f, alice)); err != ErrAlreadyExists {
		t.Fatal("expected ErrAlreadyExists")
	}
	if len(f.published) != 0 {
		t.Errorf("failed create must not publish, got %+v", f.published)
	}
	want := []string{"begin", "rollback"}
	if diff := cmp.Diff(want, f.log); diff != "" {
		t.Errorf("wrong call order (-want +got):\n%s", diff)
	}
}

func TestUpdateDispatchesBothChannels(t *testing.T) {
	f := newFakeStore()
	f.entities[entityKey(types.KindTable, "accounts")] = tableEntity("accounts")
	grant(f, alice.ID, types.ModifyEntity(types.KindTable, "accounts"))

	if _, err := UpdateEntity("accounts", tableEntity("accounts"), OnNotFoundFail).Call(stateFor(f, alice)); err != nil {
		t.Fatal(err)
	}
	want := []types.Channel{
		types.AllEntities(types.KindTable),
		types.EntityChannel(types.KindTable, "accounts"),
	}
	var got []types.Channel
	for _, p := range f.published {
		got = append(got, p.channel)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong channels (-want +got):\n%s", diff)
	}
}

// An update-on-duplicate create must also hold the modify capability, but
// only when that capability has ever been registered with a role.
func TestCreateUpdateModifyFallback(t *testing.T) {
	modify := types.ModifyEntity(types.KindTable, "accounts")

	// Not registered anywhere: create alone is enough.
	f := newFakeStore()
	grant(f, alice.ID, types.CreateEntity(types.KindTable))
	if _, err := CreateEntity(tableEntity("accounts"), OnDuplicateUpdate).Call(stateFor(f, alice)); err != nil {
		t.Fatalf("unregistered modify permission must not be required: %v", err)
	}

	// Registered with some role but not granted to the caller: denied.
	f = newFakeStore()
	f.allPerms.Add(modify)
	grant(f, alice.ID, types.CreateEntity(types.KindTable))
	if _, err := CreateEntity(tableEntity("accounts"), OnDuplicateUpdate).Call(stateFor(f, alice)); err != ErrUnauthorized {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}

	// Granted: allowed.
	f = newFakeStore()
	f.allPerms.Add(modify)
	grant(f, alice.ID, types.CreateEntity(types.KindTable), modify)
	if _, err := CreateEntity(tableEntity("accounts"), OnDuplicateUpdate).Call(stateFor(f, alice)); err != nil {
		t.Fatalf("granted modify permission rejected: %v", err)
	}
}

func TestAnyPermissionGate(t *testing.T) {
	inner := &getAllEntities{kind: types.KindTable}
	perms := []types.Permission{
		types.UserPermission("alice"),
		types.UserEmail("alice@example.com"),
	}

	f := newFakeStore()
	if _, err := WithAnyPermissionRequired(inner, perms...).Call(stateFor(f, alice)); err != ErrUnauthorized {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}

	// Holding either one of the listed capabilities is enough.
	grant(f, alice.ID, types.UserEmail("alice@example.com"))
	if _, err := WithAnyPermissionRequired(inner, perms...).Call(stateFor(f, alice)); err != nil {
		t.Fatalf("one matching capability rejected: %v", err)
	}

	// An empty list never passes.
	if _, err := WithAnyPermissionRequired(inner).Call(stateFor(f, alice)); err != ErrUnauthorized {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestGetAllEntitiesFiltered(t *testing.T) {
	f := newFakeStore()
	f.entities[entityKey(types.KindTable, "visible")] = tableEntity("visible")
	f.entities[entityKey(types.KindTable, "hidden")] = tableEntity("hidden")
	grant(f, alice.ID, types.ReadEntity(types.KindTable, "visible"))

	res, err := GetAllEntities(types.KindTable).Call(stateFor(f, alice))
	if err != nil {
		t.Fatal(err)
	}
	entities := res.Data.([]types.Entity)
	if len(entities) != 1 || entities[0].Name != "visible" {
		t.Errorf("got %+v, want only the readable entity", entities)
	}

	// Admin sees everything.
	res, err = GetAllEntities(types.KindTable).Call(stateFor(f, root))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(res.Data.([]types.Entity)); got != 2 {
		t.Errorf("admin got %d entities, want 2", got)
	}
}

func TestSubscribeDuplicate(t *testing.T) {
	f := newFakeStore()
	ch := types.TableDataChannel("accounts")
	bob := &Principal{ID: 1, Username: "bob"}
	grant(f, bob.ID, ch.RequiredPermission(), types.UserPermission("bob"))

	if _, err := SubscribeTo(ch, "bob").Call(stateFor(f, bob)); err != nil {
		t.Fatal(err)
	}
	if _, err := SubscribeTo(ch, "bob").Call(stateFor(f, bob)); err != types.ErrAlreadySubscribed {
		t.Errorf("got %v, want ErrAlreadySubscribed", err)
	}
	if _, err := UnsubscribeFrom(ch, "bob").Call(stateFor(f, bob)); err != nil {
		t.Fatal(err)
	}
	if _, err := UnsubscribeFrom(ch, "bob").Call(stateFor(f, bob)); err != types.ErrNotSubscribed {
		t.Errorf("got %v, want ErrNotSubscribed", err)
	}
}

func TestSubscribeOtherUserDenied(t *testing.T) {
	f := newFakeStore()
	ch := types.TableDataChannel("accounts")
	grant(f, alice.ID, ch.RequiredPermission(), types.UserPermission("alice"))

	if _, err := SubscribeTo(ch, "bob").Call(stateFor(f, alice)); err != ErrUnauthorized {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

// Two consecutive poll windows must neither lose nor duplicate a message
// landing exactly on the boundary.
func TestGetMessagesWindowBoundary(t *testing.T) {
	f := newFakeStore()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	boundary := base.Add(time.Second)
	f.messages = []types.Message{
		{Action: "before", SentAt: base.Add(500 * time.Millisecond)},
		{Action: "onBoundary", SentAt: boundary},
		{Action: "after", SentAt: boundary.Add(300 * time.Millisecond)},
	}
	bob := &Principal{ID: 1, Username: "bob"}

	firstRes, err := GetMessages(base, boundary).Call(stateFor(f, bob))
	if err != nil {
		t.Fatal(err)
	}
	secondRes, err := GetMessages(boundary, boundary.Add(time.Second)).Call(stateFor(f, bob))
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, m := range firstRes.Data.(MessagesResult).Messages {
		got = append(got, m.Action)
	}
	for _, m := range secondRes.Data.(MessagesResult).Messages {
		got = append(got, m.Action)
	}
	want := []string{"before", "onBoundary", "after"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong message split (-want +got):\n%s", diff)
	}
}

type fakeTokens struct{}

func (fakeTokens) Issue(user types.User) (TokenPair, error) {
	return TokenPair{Token: "tok-" + user.Username, RefreshToken: "ref"}, nil
}

func (fakeTokens) Refresh(refreshToken string) (TokenPair, error) {
	return TokenPair{Token: "tok"}, nil
}

func TestLoginRequiredGates(t *testing.T) {
	f := newFakeStore()
	if _, err := GetAllUsers().Call(stateFor(f, nil)); err != ErrUnauthorized {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	if _, err := GetAllUsers().Call(stateFor(f, alice)); err != nil {
		t.Errorf("logged-in list failed: %v", err)
	}
	if _, err := UnsubscribeAll().Call(stateFor(f, nil)); err != ErrUnauthorized {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFakeStore() // UserAuthRecord knows nobody
	s := stateFor(f, nil)
	s.Tokens = fakeTokens{}
	if _, err := Login("ghost", "secret").Call(s); err != ErrAuthFailed {
		t.Errorf("got %v, want ErrAuthFailed", err)
	}
}
