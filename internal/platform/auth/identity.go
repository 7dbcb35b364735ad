package auth

import (
	"context"
	"slices"
	"strings"
)

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the verified caller. For customers UID doubles as the customer id that scopes carts
// and orders.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole compares case-insensitively. A blank role never matches.
func (i *Identity) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	if i == nil || role == "" {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(r string) bool { return strings.EqualFold(r, role) })
}

func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// IsStaff reports whether the caller may drive fulfilment transitions on any order.
func (i *Identity) IsStaff() bool {
	return i.HasAnyRole(RoleStaff, RoleAdmin)
}

// ActorID is what order history and the audit log record as the actor. Staff ids carry a "staff:"
// prefix; customer ids are the bare UID.
func (i *Identity) ActorID() string {
	switch {
	case i == nil:
		return ""
	case i.IsStaff():
		return "staff:" + i.UID
	default:
		return i.UID
	}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext reports false when no identity, or a nil one, was stored.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
