package auth

import (
	"slices"
	"strings"
)

// Identity represents a user identifier that can be of any type
// Common types include string, int64, uint, or custom types
type Identity any

// Wildcard grants every permission
const Wildcard = "*"

// AuthUser represents the caller on whose behalf the store operates
type AuthUser struct {
	ID          Identity `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasRole reports whether the user carries the role
func (u *AuthUser) HasRole(role string) bool {
	return u != nil && slices.Contains(u.Roles, role)
}

// PermissionSet returns the capability tags the user holds. Roles count as
// tags themselves, so a field guarded by "admin" is writable by the admin role.
func (u *AuthUser) PermissionSet() Permissions {
	if u == nil {
		return nil
	}
	return NewPermissions(append(slices.Clone(u.Roles), u.Permissions...)...)
}

// Permissions is a set of capability tags
type Permissions map[string]struct{}

// NewPermissions builds a set from tags; blank tags are ignored
func NewPermissions(tags ...string) Permissions {
	p := make(Permissions, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			p[tag] = struct{}{}
		}
	}
	return p
}

// Has reports whether tag is held. The empty tag is always held.
func (p Permissions) Has(tag string) bool {
	if tag == "" {
		return true
	}
	if _, ok := p[Wildcard]; ok {
		return true
	}
	_, ok := p[tag]
	return ok
}

// Tags returns the held tags in sorted order
func (p Permissions) Tags() []string {
	tags := make([]string, 0, len(p))
	for tag := range p {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}
