package auth

const (
	PermRBACRead       = "rbac.read"
	PermRBACManage     = "rbac.manage"
	PermKeysRead       = "keys.read"
	PermKeysRotate     = "keys.rotate"
	PermSessionsManage = "sessions.manage"
	PermAuditRead      = "audit.read"
)

// BuiltinActions lists the actions the service itself checks.
var BuiltinActions = []string{
	PermRBACRead,
	PermRBACManage,
	PermKeysRead,
	PermKeysRotate,
	PermSessionsManage,
	PermAuditRead,
}
