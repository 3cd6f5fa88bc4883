package exchange

// Principal is an authenticated identity.
type Principal interface {
	Name() string
}

// SecurityContext exposes the caller identity established by the transport.
type SecurityContext interface {
	UserPrincipal() Principal
	IsUserInRole(role string) bool
}

// UserPrincipal is a Principal backed by a plain user name.
type UserPrincipal string

func (p UserPrincipal) Name() string { return string(p) }

type principalContext struct{ p Principal }

// NewSecurityContext returns a context carrying p and no roles.
func NewSecurityContext(p Principal) SecurityContext { return principalContext{p: p} }

func (c principalContext) UserPrincipal() Principal { return c.p }

func (c principalContext) IsUserInRole(string) bool { return false }

// SecurityContextOf returns the security context attached to m, if any.
func SecurityContextOf(m *Message) (SecurityContext, bool) {
	sc, ok := m.Get(KeySecurityContext).(SecurityContext)
	return sc, ok && sc != nil
}
