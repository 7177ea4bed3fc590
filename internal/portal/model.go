// Package portal is the authoritative store of portal users and their roles.
// A proven identity without a row here is not a portal user.
package portal

import "time"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleAuthor Role = "author"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleAuthor:
		return true
	default:
		return false
	}
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

type AuditEntry struct {
	UserID    string
	Action    string
	IPAddress string
	UserAgent string
	Details   map[string]any
	CreatedAt time.Time
}
