package notifications

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Directory resolves a user id to the contact details channels deliver to.
// A nil contact with a nil error means the user is unknown.
type Directory interface {
	LookupContact(ctx context.Context, userID uint) (*Contact, error)
}

type userDirectory struct {
	db *gorm.DB
}

// NewUserDirectory reads contacts from the shared users table.
func NewUserDirectory(db *gorm.DB) Directory {
	return &userDirectory{db: db}
}

func (d *userDirectory) LookupContact(ctx context.Context, userID uint) (*Contact, error) {
	var contact Contact
	err := d.db.WithContext(ctx).
		Select("id", "name", "phone_number", "email", "sms_notification").
		First(&contact, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up contact: %w", err)
	}
	return &contact, nil
}

// StaticDirectory serves contacts from memory.
type StaticDirectory map[uint]Contact

func (d StaticDirectory) LookupContact(ctx context.Context, userID uint) (*Contact, error) {
	contact, ok := d[userID]
	if !ok {
		return nil, nil
	}
	return &contact, nil
}
