package store

// Role is the type of a user role.
type Role string

const (
	// RoleHost is the HOST role.
	RoleHost Role = "HOST"
	// RoleUser is the USER role.
	RoleUser Role = "USER"
)

type User struct {
	ID           int32
	Username     string
	Role         Role
	Nickname     string
	PasswordHash string
	CreatedTs    int64
	UpdatedTs    int64
}

type FindUser struct {
	ID       *int32
	Username *string
}
