package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Operator roles on the admin surface. Admins manage API keys and may
// reset circuit breakers; viewers get read-only access to status and
// metrics.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// User is a gateway operator account.
type User struct {
	ID           uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	Email        string     `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string     `gorm:"not null"`
	Name         string     `json:"name"`
	Role         string     `gorm:"default:'viewer'" json:"role"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	return nil
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (User) TableName() string {
	return "users"
}
