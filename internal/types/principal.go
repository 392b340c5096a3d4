package types

// Role is the role an authenticated principal acts under
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleDealer Role = "dealer"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleDealer, RoleAdmin:
		return true
	}
	return false
}

// Principal is the caller identity supplied by the identity provider. Every core
// operation receives it explicitly and never looks it up on its own.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (p Principal) IsBuyer() bool  { return p.Role == RoleBuyer }
func (p Principal) IsDealer() bool { return p.Role == RoleDealer }
func (p Principal) IsAdmin() bool  { return p.Role == RoleAdmin }
