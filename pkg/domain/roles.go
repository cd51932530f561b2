package domain

// Role defines the sender of a message.
type Role string

const (
	// RoleUser indicates a message typed or uploaded by the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a generated response.
	RoleAssistant Role = "assistant"
	// RoleSystem indicates a system-level message.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}
