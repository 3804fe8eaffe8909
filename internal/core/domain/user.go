package domain

// Roles carried in the bearer token. Tokens are issued by the fleet console.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleDevice   = "device"
)
