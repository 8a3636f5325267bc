package types

// PermissionOp enumerates the capability variants. Permission values are
// compared by value: two permissions are the same capability iff all three
// fields are equal.
type PermissionOp string

const (
	OpReadEntity      PermissionOp = "readEntity"
	OpModifyEntity    PermissionOp = "modifyEntity"
	OpCreateEntity    PermissionOp = "createEntity"
	OpRunQuery        PermissionOp = "runQuery"
	OpRunScript       PermissionOp = "runScript"
	OpGetTableData    PermissionOp = "getTableData"
	OpModifyTableData PermissionOp = "modifyTableData"
	OpUserAdmin       PermissionOp = "userAdmin"
	OpHasRole         PermissionOp = "hasRole"
	OpUser            PermissionOp = "user"
	OpUserEmail       PermissionOp = "userEmail"
)

// Permission is one atomic capability. The struct contains comparable fields
// only so it can be used directly as a set element and a map key.
type Permission struct {
	Op PermissionOp `json:"op"`
	// Kind is set for entity-scoped capabilities only.
	Kind EntityKind `json:"kind,omitempty"`
	// Name is the entity/table/query/script/role/user the capability is
	// scoped to. Empty for kind-wide and global capabilities.
	Name string `json:"name,omitempty"`
}

func ReadEntity(kind EntityKind, name string) Permission {
	return Permission{Op: OpReadEntity, Kind: kind, Name: name}
}

func ModifyEntity(kind EntityKind, name string) Permission {
	return Permission{Op: OpModifyEntity, Kind: kind, Name: name}
}

func CreateEntity(kind EntityKind) Permission {
	return Permission{Op: OpCreateEntity, Kind: kind}
}

func RunQuery(name string) Permission {
	return Permission{Op: OpRunQuery, Name: name}
}

func RunScript(name string) Permission {
	return Permission{Op: OpRunScript, Name: name}
}

func GetTableData(name string) Permission {
	return Permission{Op: OpGetTableData, Name: name}
}

func ModifyTableData(name string) Permission {
	return Permission{Op: OpModifyTableData, Name: name}
}

func UserAdmin() Permission {
	return Permission{Op: OpUserAdmin}
}

func HasRole(name string) Permission {
	return Permission{Op: OpHasRole, Name: name}
}

// UserPermission scopes self-service operations to one principal.
func UserPermission(username string) Permission {
	return Permission{Op: OpUser, Name: username}
}

func UserEmail(email string) Permission {
	return Permission{Op: OpUserEmail, Name: email}
}

// PermissionSet is an unordered set of granted capabilities.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from individual permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	ps := make(PermissionSet, len(perms))
	for _, p := range perms {
		ps[p] = struct{}{}
	}
	return ps
}

// Add inserts a permission into the set.
func (ps PermissionSet) Add(p Permission) {
	ps[p] = struct{}{}
}

// Satisfies is pure set containment.
func (ps PermissionSet) Satisfies(required Permission) bool {
	_, ok := ps[required]
	return ok
}

// SatisfiesAll reports whether every listed permission is present.
func (ps PermissionSet) SatisfiesAll(required []Permission) bool {
	for _, p := range required {
		if !ps.Satisfies(p) {
			return false
		}
	}
	return true
}

// SatisfiesAny reports whether at least one listed permission is present.
// An empty requirement list is never satisfied.
func (ps PermissionSet) SatisfiesAny(required []Permission) bool {
	for _, p := range required {
		if ps.Satisfies(p) {
			return true
		}
	}
	return false
}
