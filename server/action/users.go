package action

import (
	"golang.org/x/crypto/bcrypt"

	t "github.com/lattice-db/lattice/server/store/types"
)

// User, role and permission administration. Everything here except login and
// refresh requires the userAdmin capability or stronger; the role attach and
// detach operations additionally require holding the role being granted, so
// an administrator cannot hand out a role they do not carry themselves.

type login struct {
	ident    string
	password string
}

// Login verifies credentials and issues a token pair. Open to anonymous
// callers.
func Login(ident, password string) Action {
	return &login{ident: ident, password: password}
}

func (a *login) Call(s *State) (*Result, error) {
	user, passhash, err := s.Conn.UserAuthRecord(s.Ctx, a.ident)
	if err != nil {
		return nil, err
	}
	if user == nil {
		// Burn a comparison so a probe cannot distinguish a missing
		// account from a wrong password by timing.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(a.password))
		return nil, ErrAuthFailed
	}
	if bcrypt.CompareHashAndPassword(passhash, []byte(a.password)) != nil {
		return nil, ErrAuthFailed
	}
	pair, err := s.Tokens.Issue(*user)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "login", Data: LoginResult{User: *user, TokenPair: pair}}, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("placeholder"), bcrypt.MinCost)

type refresh struct {
	refreshToken string
}

// Refresh exchanges a refresh token for a fresh token pair.
func Refresh(refreshToken string) Action {
	return &refresh{refreshToken: refreshToken}
}

func (a *refresh) Call(s *State) (*Result, error) {
	pair, err := s.Tokens.Refresh(a.refreshToken)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return &Result{Action: "refresh", Data: pair}, nil
}

type logout struct{}

// Logout acknowledges the end of the session. Tokens are stateless; the
// transport drops its cached principal on receipt of the result.
func Logout() Action {
	return WithLoginRequired(&logout{})
}

func (a *logout) Call(s *State) (*Result, error) {
	return &Result{Action: "logout", Data: map[string]bool{"ok": true}}, nil
}

type getAllUsers struct{}

// GetAllUsers lists every known principal.
func GetAllUsers() Action {
	return WithLoginRequired(&getAllUsers{})
}

func (a *getAllUsers) Call(s *State) (*Result, error) {
	users, err := s.Conn.UserGetAll(s.Ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "getAllUsers", Data: users}, nil
}

type addUser struct {
	user t.NewUser
}

// AddUser creates a principal with an initial password.
func AddUser(user t.NewUser) Action {
	return WithPermissionRequired(
		WithTransaction(&addUser{user: user}),
		t.UserAdmin())
}

func (a *addUser) Call(s *State) (*Result, error) {
	if a.user.Username == "" || a.user.Password == "" {
		return nil, ErrMalformed
	}
	passhash, err := bcrypt.GenerateFromPassword([]byte(a.user.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	created, err := s.Conn.UserCreate(s.Ctx, a.user.User, passhash)
	if err == t.ErrDuplicate {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	return &Result{Action: "addUser", Data: created}, nil
}

type removeUser struct {
	ident string
}

// RemoveUser deletes a principal together with its subscriptions.
func RemoveUser(ident string) Action {
	return WithPermissionRequired(
		WithTransaction(&removeUser{ident: ident}),
		t.UserAdmin())
}

func (a *removeUser) Call(s *State) (*Result, error) {
	user, err := s.Conn.UserGet(s.Ctx, a.ident)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	if err := s.Conn.MailboxUnsubscribeAll(s.Ctx, user.ID); err != nil {
		return nil, err
	}
	removed, err := s.Conn.UserDelete(s.Ctx, a.ident)
	if err != nil {
		return nil, err
	}
	if err := s.Conn.MailboxPermissionsRemoved(s.Ctx); err != nil {
		return nil, err
	}
	return &Result{Action: "removeUser", Data: removed}, nil
}

type getAllRoles struct{}

// GetAllRoles lists every role.
func GetAllRoles() Action {
	return WithLoginRequired(&getAllRoles{})
}

func (a *getAllRoles) Call(s *State) (*Result, error) {
	roles, err := s.Conn.RoleGetAll(s.Ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "getAllRoles", Data: roles}, nil
}

type addRole struct {
	role t.Role
}

// AddRole creates an empty role.
func AddRole(role t.Role) Action {
	return WithPermissionRequired(
		WithTransaction(&addRole{role: role}),
		t.UserAdmin())
}

func (a *addRole) Call(s *State) (*Result, error) {
	if a.role.Name == "" {
		return nil, ErrMalformed
	}
	created, err := s.Conn.RoleCreate(s.Ctx, a.role)
	if err == t.ErrDuplicate {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	return &Result{Action: "addRole", Data: created}, nil
}

type removeRole struct {
	name string
}

// RemoveRole deletes a role and every grant made through it.
func RemoveRole(name string) Action {
	return WithAllPermissionsRequired(
		WithTransaction(&removeRole{name: name}),
		t.UserAdmin(), t.HasRole(name))
}

func (a *removeRole) Call(s *State) (*Result, error) {
	removed, err := s.Conn.RoleDelete(s.Ctx, a.name)
	if err == t.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.Conn.MailboxPermissionsRemoved(s.Ctx); err != nil {
		return nil, err
	}
	return &Result{Action: "removeRole", Data: removed}, nil
}

// RoleGrant names a (role, permission) pair in attach/detach results.
type RoleGrant struct {
	Role       string       `json:"role"`
	Permission t.Permission `json:"permission"`
}

type attachPermissionForRole struct {
	role string
	perm t.Permission
}

// AttachPermissionForRole grants a capability through a role.
func AttachPermissionForRole(role string, perm t.Permission) Action {
	return WithAllPermissionsRequired(
		WithTransaction(&attachPermissionForRole{role: role, perm: perm}),
		t.UserAdmin(), t.HasRole(role))
}

func (a *attachPermissionForRole) Call(s *State) (*Result, error) {
	if err := s.Conn.RoleAttachPermission(s.Ctx, a.role, a.perm); err != nil {
		return nil, err
	}
	return &Result{Action: "attachPermissionForRole",
		Data: RoleGrant{Role: a.role, Permission: a.perm}}, nil
}

type detachPermissionForRole struct {
	role string
	perm t.Permission
}

// DetachPermissionForRole revokes a capability from a role.
func DetachPermissionForRole(role string, perm t.Permission) Action {
	return WithAllPermissionsRequired(
		WithTransaction(&detachPermissionForRole{role: role, perm: perm}),
		t.UserAdmin(), t.HasRole(role))
}

func (a *detachPermissionForRole) Call(s *State) (*Result, error) {
	if err := s.Conn.RoleDetachPermission(s.Ctx, a.role, a.perm); err != nil {
		return nil, err
	}
	if err := s.Conn.MailboxPermissionsRemoved(s.Ctx); err != nil {
		return nil, err
	}
	return &Result{Action: "detachPermissionForRole",
		Data: RoleGrant{Role: a.role, Permission: a.perm}}, nil
}

// RoleMembership names a (user, role) pair in attach/detach results.
type RoleMembership struct {
	User string `json:"user"`
	Role string `json:"role"`
}

type attachRoleForUser struct {
	ident string
	role  string
}

// AttachRoleForUser adds a principal to a role.
func AttachRoleForUser(ident, role string) Action {
	return WithAllPermissionsRequired(
		WithTransaction(&attachRoleForUser{ident: ident, role: role}),
		t.UserAdmin(), t.HasRole(role))
}

func (a *attachRoleForUser) Call(s *State) (*Result, error) {
	if err := s.Conn.UserAttachRole(s.Ctx, a.ident, a.role); err != nil {
		return nil, err
	}
	return &Result{Action: "attachRoleForUser",
		Data: RoleMembership{User: a.ident, Role: a.role}}, nil
}

type detachRoleForUser struct {
	ident string
	role  string
}

// DetachRoleForUser removes a principal from a role.
func DetachRoleForUser(ident, role string) Action {
	return WithAllPermissionsRequired(
		WithTransaction(&detachRoleForUser{ident: ident, role: role}),
		t.UserAdmin(), t.HasRole(role))
}

func (a *detachRoleForUser) Call(s *State) (*Result, error) {
	if err := s.Conn.UserDetachRole(s.Ctx, a.ident, a.role); err != nil {
		return nil, err
	}
	if err := s.Conn.MailboxPermissionsRemoved(s.Ctx); err != nil {
		return nil, err
	}
	return &Result{Action: "detachRoleForUser",
		Data: RoleMembership{User: a.ident, Role: a.role}}, nil
}
