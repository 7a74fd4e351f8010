package orders

import "strings"

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Identity is the caller as resolved by the authentication layer. The core
// trusts it as given.
type Identity struct {
	UserID string
	Role   Role
}

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return r, nil
	default:
		return "", invalid("unknown role %q", s)
	}
}
