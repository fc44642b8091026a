package auth

// Permission keys follow the RESOURCE_ACTION convention.
const (
	PermUserRead      = "USER_READ"
	PermUserWrite     = "USER_WRITE"
	PermRoleRead      = "ROLE_READ"
	PermRoleWrite     = "ROLE_WRITE"
	PermEventRead     = "EVENT_READ"
	PermSessionRevoke = "SESSION_REVOKE"
)

// Builtin role names.
const (
	RoleAdmin = "ROLE_ADMIN"
	RoleUser  = "ROLE_USER"
)

var BuiltinPermissions = []Permission{
	{Key: PermUserRead, Description: "Read user accounts and their role assignments"},
	{Key: PermUserWrite, Description: "Create users, change status, assign and remove roles"},
	{Key: PermRoleRead, Description: "Read roles and their permission sets"},
	{Key: PermRoleWrite, Description: "Create and delete roles, edit their permission sets"},
	{Key: PermEventRead, Description: "Query and stream security events"},
	{Key: PermSessionRevoke, Description: "Revoke another user's sessions"},
}
