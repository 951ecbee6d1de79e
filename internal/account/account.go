// Package account stores each user's mail provider connection and opens
// gateways for the job processor.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"postpone/internal/job"
	"postpone/internal/mail"
)

// Account is a user's mail provider connection. One per user.
type Account struct {
	ID     uint64 `gorm:"primaryKey" json:"-"`
	UserID uint64 `gorm:"uniqueIndex;not null" json:"-"`
	Email  string `gorm:"type:text;not null" json:"email"`

	IMAPAddr string `gorm:"type:text;not null" json:"imapAddr"`
	SMTPAddr string `gorm:"type:text;not null" json:"smtpAddr"`
	Username string `gorm:"type:text;not null" json:"username"`
	// Password is used for PLAIN auth; AccessToken takes precedence and
	// switches the session to OAUTHBEARER.
	Password    string `gorm:"type:text" json:"-"`
	AccessToken string `gorm:"type:text" json:"-"`

	DraftsMailbox string `gorm:"type:text" json:"draftsMailbox,omitempty"`
	AllMailbox    string `gorm:"type:text" json:"allMailbox,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"-"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"-"`
}

func (a *Account) mailConfig() mail.Config {
	return mail.Config{
		IMAPAddr:      a.IMAPAddr,
		SMTPAddr:      a.SMTPAddr,
		Username:      a.Username,
		Password:      a.Password,
		AccessToken:   a.AccessToken,
		DraftsMailbox: a.DraftsMailbox,
		AllMailbox:    a.AllMailbox,
	}
}

// Get returns the account of the given user, or job.ErrNoGateway if none
// is connected.
func Get(ctx context.Context, db *gorm.DB, userID uint64) (*Account, error) {
	var a Account
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %d", job.ErrNoGateway, userID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Upsert creates or replaces the user's account.
func Upsert(ctx context.Context, db *gorm.DB, a *Account) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Account
		err := tx.Where("user_id = ?", a.UserID).First(&existing).Error
		if err == nil {
			a.ID = existing.ID
			a.CreatedAt = existing.CreatedAt
			return tx.Save(a).Error
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(a).Error
		}
		return err
	})
}

// Mailer opens mail gateways for job owners. Connections are lazy; auth
// failures surface on the first gateway call as classified mail errors.
type Mailer struct {
	DB  *gorm.DB
	Log *zap.Logger
}

func (m *Mailer) Dial(ctx context.Context, userID uint64, userEmail string) (job.Gateway, error) {
	a, err := Get(ctx, m.DB, userID)
	if err != nil {
		return nil, err
	}
	return mail.NewMailman(a.mailConfig(), m.Log.With(
		zap.Uint64("user_id", userID),
		zap.String("user_email", userEmail),
	)), nil
}
