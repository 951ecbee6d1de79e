// Package snippet stores reusable mail text snippets per user.
package snippet

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("snippet: not found")

type Snippet struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	Subject   string    `gorm:"type:text" json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	UsageCnt  int       `gorm:"not null;default:0" json:"usageCnt"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updatedAt"`
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) List(ctx context.Context, userID uint64) ([]Snippet, error) {
	var out []Snippet
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("usage_cnt DESC, name ASC").
		Find(&out).Error
	return out, err
}

func (s *Store) Create(ctx context.Context, sn *Snippet) error {
	return s.db.WithContext(ctx).Create(sn).Error
}

func (s *Store) Update(ctx context.Context, sn *Snippet) error {
	res := s.db.WithContext(ctx).
		Model(&Snippet{}).
		Where("id = ? AND user_id = ?", sn.ID, sn.UserID).
		Updates(map[string]any{
			"name":       sn.Name,
			"subject":    sn.Subject,
			"body":       sn.Body,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, id uint64) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&Snippet{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsage bumps the usage counter so the list stays ordered by most used.
func (s *Store) CountUsage(ctx context.Context, userID, id uint64) error {
	res := s.db.WithContext(ctx).
		Model(&Snippet{}).
		Where("id = ? AND user_id = ?", id, userID).
		UpdateColumn("usage_cnt", gorm.Expr("usage_cnt + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
