package auth

import "context"

// Context key for storing the caller in a context
type contextKey string

const authUserKey contextKey = "authUser"

// GetAuthUser retrieves the caller from the context
// Returns the user and true if present, nil and false otherwise
func GetAuthUser(ctx context.Context) (*AuthUser, bool) {
	user, ok := ctx.Value(authUserKey).(*AuthUser)
	return user, ok && user != nil
}

// WithAuthUser adds the caller to the context
func WithAuthUser(ctx context.Context, user *AuthUser) context.Context {
	return context.WithValue(ctx, authUserKey, user)
}

// IsAuthenticated checks if the context carries a caller
func IsAuthenticated(ctx context.Context) bool {
	_, ok := GetAuthUser(ctx)
	return ok
}

// WithSystem marks the context as an internal caller holding every permission.
// Used for trusted jobs such as migrations and seeding.
func WithSystem(ctx context.Context) context.Context {
	return WithAuthUser(ctx, &AuthUser{Username: "system", Permissions: []string{Wildcard}})
}

// PermissionsFrom returns the permission set of the caller in ctx.
// An anonymous caller holds no permissions.
func PermissionsFrom(ctx context.Context) Permissions {
	user, ok := GetAuthUser(ctx)
	if !ok {
		return Permissions{}
	}
	return user.PermissionSet()
}
