package metadata

import "context"

// Roles understood by the propagation API. Tokens may carry others; they
// grant nothing here.
const (
	RoleAdmin           = "admin"
	RoleRelationManager = "relation_manager"
	RoleAuditor         = "auditor"
)

// Permission names one guarded action.
type Permission string

const (
	PermManageRelations Permission = "relations:write"
	PermReadTraces      Permission = "traces:read"
)

var rolePermissions = map[string][]Permission{
	RoleRelationManager: {PermManageRelations},
	RoleAuditor:         {PermReadTraces},
}

// UserContext is the authenticated caller, set by the auth middleware.
type UserContext struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// Can reports whether one of the caller's roles grants p. Admin grants
// everything; a nil caller nothing.
func (u *UserContext) Can(p Permission) bool {
	if u == nil {
		return false
	}
	for _, role := range u.Roles {
		if role == RoleAdmin {
			return true
		}
		for _, granted := range rolePermissions[role] {
			if granted == p {
				return true
			}
		}
	}
	return false
}

type userKey struct{}

// WithUser attaches the caller to ctx so code below the HTTP layer can
// attribute changes.
func WithUser(ctx context.Context, u *UserContext) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the caller stored by WithUser, or nil.
func UserFrom(ctx context.Context) *UserContext {
	u, _ := ctx.Value(userKey{}).(*UserContext)
	return u
}

// Actor is the caller id for audit records, "anonymous" when unknown.
func Actor(ctx context.Context) string {
	if u := UserFrom(ctx); u != nil && u.ID != "" {
		return u.ID
	}
	return "anonymous"
}
