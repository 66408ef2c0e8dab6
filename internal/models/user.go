package models

import "time"

// User is the identity snapshot the gateway reads. Registration, password
// handling, and profile edits belong to the upstream identity provider;
// rows here are provisioned on first federated login and treated as
// read-only by the inference path.
type User struct {
	BaseModel
	Email           string `gorm:"uniqueIndex;not null" json:"email"`
	ExternalSubject string `gorm:"uniqueIndex" json:"-"`
	Name            string `json:"name"`
	Picture         string `json:"picture,omitempty"`
	EmailVerified   bool   `gorm:"default:false" json:"email_verified"`

	Role     UserRole `gorm:"type:varchar(20);default:'user'" json:"role"`
	Tier     Tier     `gorm:"type:varchar(32);default:'free';index" json:"tier"`
	IsActive bool     `gorm:"default:true" json:"is_active"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
