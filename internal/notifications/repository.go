package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("notification not found")

// Repository persists the in-app inbox and the outbound SMS queue.
type Repository interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, receiverID uint, limit, offset int) ([]Notification, error)
	CountUnread(ctx context.Context, receiverID uint) (int64, error)
	MarkRead(ctx context.Context, id, receiverID uint) error
	MarkAllRead(ctx context.Context, receiverID uint) (int64, error)

	EnqueueSMS(ctx context.Context, entry *SMSQueueEntry) error
	ListQueuedSMS(ctx context.Context, limit int) ([]SMSQueueEntry, error)
	UpdateSMS(ctx context.Context, entry *SMSQueueEntry) error
}

// Migrate creates or updates the notification tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Notification{}, &SMSQueueEntry{}); err != nil {
		return fmt.Errorf("failed to migrate notification tables: %w", err)
	}
	return nil
}

type postgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository(db *gorm.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) CreateNotification(ctx context.Context, n *Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListNotifications(ctx context.Context, receiverID uint, limit, offset int) ([]Notification, error) {
	var items []Notification
	err := r.db.WithContext(ctx).
		Where("receiver_id = ?", receiverID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return items, nil
}

func (r *postgresRepository) CountUnread(ctx context.Context, receiverID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Notification{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) MarkRead(ctx context.Context, id, receiverID uint) error {
	res := r.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND receiver_id = ?", id, receiverID).
		Update("is_read", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark notification as read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) MarkAllRead(ctx context.Context, receiverID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Notification{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark notifications as read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *postgresRepository) EnqueueSMS(ctx context.Context, entry *SMSQueueEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to enqueue sms: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListQueuedSMS(ctx context.Context, limit int) ([]SMSQueueEntry, error) {
	var entries []SMSQueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", SMSQueued).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list queued sms: %w", err)
	}
	return entries, nil
}

func (r *postgresRepository) UpdateSMS(ctx context.Context, entry *SMSQueueEntry) error {
	err := r.db.WithContext(ctx).Model(entry).Select("status", "attempts", "last_error", "sent_at").Updates(entry).Error
	if err != nil {
		return fmt.Errorf("failed to update sms entry: %w", err)
	}
	return nil
}

type memoryRepository struct {
	mu            sync.RWMutex
	notifications []Notification
	sms           []SMSQueueEntry
	nextID        uint
	nextSMSID     uint
}

// NewMemoryRepository keeps notifications in process.
func NewMemoryRepository() Repository {
	return &memoryRepository{}
}

func (r *memoryRepository) CreateNotification(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	n.ID = r.nextID
	now := time.Now()
	n.CreatedAt, n.UpdatedAt = now, now
	r.notifications = append(r.notifications, *n)
	return nil
}

func (r *memoryRepository) ListNotifications(ctx context.Context, receiverID uint, limit, offset int) ([]Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var items []Notification
	for _, n := range r.notifications {
		if n.ReceiverID == receiverID {
			items = append(items, n)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	if offset >= len(items) {
		return []Notification{}, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (r *memoryRepository) CountUnread(ctx context.Context, receiverID uint) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count int64
	for _, n := range r.notifications {
		if n.ReceiverID == receiverID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) MarkRead(ctx context.Context, id, receiverID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.notifications {
		if r.notifications[i].ID == id && r.notifications[i].ReceiverID == receiverID {
			r.notifications[i].IsRead = true
			return nil
		}
	}
	return ErrNotFound
}

func (r *memoryRepository) MarkAllRead(ctx context.Context, receiverID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated int64
	for i := range r.notifications {
		if r.notifications[i].ReceiverID == receiverID && !r.notifications[i].IsRead {
			r.notifications[i].IsRead = true
			updated++
		}
	}
	return updated, nil
}

func (r *memoryRepository) EnqueueSMS(ctx context.Context, entry *SMSQueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSMSID++
	entry.ID = r.nextSMSID
	if entry.Status == "" {
		entry.Status = SMSQueued
	}
	now := time.Now()
	entry.CreatedAt, entry.UpdatedAt = now, now
	r.sms = append(r.sms, *entry)
	return nil
}

func (r *memoryRepository) ListQueuedSMS(ctx context.Context, limit int) ([]SMSQueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var entries []SMSQueueEntry
	for _, e := range r.sms {
		if e.Status == SMSQueued {
			entries = append(entries, e)
			if limit > 0 && len(entries) == limit {
				break
			}
		}
	}
	return entries, nil
}

func (r *memoryRepository) UpdateSMS(ctx context.Context, entry *SMSQueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sms {
		if r.sms[i].ID == entry.ID {
			entry.UpdatedAt = time.Now()
			r.sms[i] = *entry
			return nil
		}
	}
	return ErrNotFound
}
