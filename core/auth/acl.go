package auth

// Wildcard in an allow list means "no restriction".
const Wildcard = "*"

// ACL is the static allow/deny decision for one namespace. A nil allow set
// means unrestricted; deny is evaluated first and always wins.
type ACL struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// NewACL normalises the configured lists. An allow list that is nil or that
// contains the wildcard is unrestricted. A non-nil empty allow list permits nothing.
func NewACL(allow, deny []string) *ACL {
	acl := &ACL{}
	if allow != nil && !contains(allow, Wildcard) {
		acl.allow = toSet(allow)
	}
	if deny != nil {
		acl.deny = toSet(deny)
	}
	return acl
}

// Permits reports whether name may be loaded.
func (a *ACL) Permits(name string) bool {
	if a == nil {
		return true
	}
	if a.deny != nil {
		if _, denied := a.deny[name]; denied {
			return false
		}
	}
	if a.allow != nil {
		if _, allowed := a.allow[name]; !allowed {
			return false
		}
	}
	return true
}

// Unrestricted reports whether the allow side places no limit on names.
func (a *ACL) Unrestricted() bool {
	return a == nil || a.allow == nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
