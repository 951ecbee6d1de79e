package auth

import "time"

// User is a login identity. The mail account jobs are processed against
// lives separately in the account package; a user without one can still
// schedule, their jobs just wait.
type User struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `gorm:"not null;default:now()" json:"-"`
}
