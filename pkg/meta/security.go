package meta

// Principal identifies the caller of an operation. A zero Principal is an
// anonymous, unauthenticated caller.
type Principal struct {
	Name          string
	Roles         []string
	Authenticated bool
}

// InRole reports whether the principal carries the given role.
func (p Principal) InRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PermissionFn decides whether a principal may perform an action.
// A nil PermissionFn always allows.
type PermissionFn func(Principal) bool

// AllowAll permits every caller, authenticated or not.
func AllowAll() PermissionFn {
	return func(Principal) bool { return true }
}

// DenyAll refuses every caller.
func DenyAll() PermissionFn {
	return func(Principal) bool { return false }
}

// AllowAuthenticated permits any authenticated caller.
func AllowAuthenticated() PermissionFn {
	return func(p Principal) bool { return p.Authenticated }
}

// AllowRoles permits authenticated callers holding at least one of the
// given roles.
func AllowRoles(roles ...string) PermissionFn {
	return func(p Principal) bool {
		if !p.Authenticated {
			return false
		}
		for _, r := range roles {
			if p.InRole(r) {
				return true
			}
		}
		return false
	}
}

// RowSecurity holds the per-entity-type permission checks consulted by the
// save/delete pipeline and the bulk-save pre-pass. Nil members allow.
type RowSecurity struct {
	Read   PermissionFn
	Create PermissionFn
	Edit   PermissionFn
	Delete PermissionFn
}

func allowed(fn PermissionFn, p Principal) bool {
	return fn == nil || fn(p)
}

// IsReadAllowed reports whether p may read rows of this type.
func (s RowSecurity) IsReadAllowed(p Principal) bool { return allowed(s.Read, p) }

// IsCreateAllowed reports whether p may create rows of this type.
func (s RowSecurity) IsCreateAllowed(p Principal) bool { return allowed(s.Create, p) }

// IsEditAllowed reports whether p may edit rows of this type.
func (s RowSecurity) IsEditAllowed(p Principal) bool { return allowed(s.Edit, p) }

// IsDeleteAllowed reports whether p may delete rows of this type.
func (s RowSecurity) IsDeleteAllowed(p Principal) bool { return allowed(s.Delete, p) }
