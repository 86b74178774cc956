package auth

// Permission keys for the task-management domain. API keys are granted an
// explicit subset of these; user principals derive theirs from the role map
// below.
const (
	PermTaskRead      = "task.read"
	PermTaskWrite     = "task.write"
	PermTaskDelete    = "task.delete"
	PermProjectRead   = "project.read"
	PermProjectWrite  = "project.write"
	PermProjectDelete = "project.delete"
	PermUserManage    = "user.manage"
	PermAPIKeyManage  = "apikey.manage"
)

// AllPermissions lists every known permission key, used to validate the
// grant list when issuing an API key.
var AllPermissions = []string{
	PermTaskRead,
	PermTaskWrite,
	PermTaskDelete,
	PermProjectRead,
	PermProjectWrite,
	PermProjectDelete,
	PermUserManage,
	PermAPIKeyManage,
}

// rolePermissions is the only place a role grants anything. Admin holds the
// full set because it is listed here, not because of a bypass rule.
var rolePermissions = map[Role][]string{
	RoleAdmin: {
		PermTaskRead, PermTaskWrite, PermTaskDelete,
		PermProjectRead, PermProjectWrite, PermProjectDelete,
		PermUserManage, PermAPIKeyManage,
	},
	RoleProjectManager: {
		PermTaskRead, PermTaskWrite, PermTaskDelete,
		PermProjectRead, PermProjectWrite,
		PermAPIKeyManage,
	},
	RoleDeveloper: {
		PermTaskRead, PermTaskWrite,
		PermProjectRead,
	},
	RoleViewer: {
		PermTaskRead,
		PermProjectRead,
	},
}

// PermissionsForRole returns the permission set a role implies.
func PermissionsForRole(role Role) map[string]struct{} {
	keys := rolePermissions[role]
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// KnownPermission reports whether key is part of the catalog.
func KnownPermission(key string) bool {
	for _, k := range AllPermissions {
		if k == key {
			return true
		}
	}
	return false
}
