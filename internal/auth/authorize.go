package auth

// Requirement declares what an operation demands from a principal. Both
// checks are optional; when both are set they must both pass. Ownership
// checks on individual resources stay with the downstream handler.
type Requirement struct {
	AllowedRoles []Role
	Permission   string
}

// Authorize evaluates a requirement against a principal. It returns nil on
// success and ErrForbidden otherwise. There is no implicit admin bypass:
// admin passes a permission check only because the role map grants it.
func Authorize(p Principal, req Requirement) error {
	if len(req.AllowedRoles) > 0 {
		if !roleAllowed(p.Role, req.AllowedRoles) {
			return ErrForbidden
		}
	}
	if req.Permission != "" {
		if !p.HasPermission(req.Permission) {
			return ErrForbidden
		}
	}
	return nil
}

func roleAllowed(role Role, allowed []Role) bool {
	if role == "" {
		// API-key principals carry no role and only ever pass
		// permission checks.
		return false
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
