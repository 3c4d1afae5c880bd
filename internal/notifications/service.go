package notifications

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service fans intents out to channels and serves the in-app inbox.
// Delivery is best effort: every failure is logged and dropped.
type Service struct {
	repo     Repository
	channels []Channel
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Inbox is one page of a user's notifications.
type Inbox struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int64          `json:"unreadCount"`
}

// NewService creates a new notification service
func NewService(repo Repository, logger *zap.Logger, timeout time.Duration, channels ...Channel) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		repo:     repo,
		channels: channels,
		timeout:  timeout,
		logger:   logger,
	}
}

// Dispatch delivers intent in the background and returns immediately.
// Cancellation of ctx does not stop delivery; each channel gets its own
// timeout instead. Intents arriving after Wait has started are dropped.
func (s *Service) Dispatch(ctx context.Context, intent Intent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("Notification dropped after shutdown",
			zap.String("kind", string(intent.Kind)),
			zap.Uint("recipient_id", intent.RecipientID),
			zap.Uint("request_id", intent.RequestID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	base := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		s.deliver(base, intent)
	}()
}

func (s *Service) deliver(ctx context.Context, intent Intent) {
	for _, ch := range s.channels {
		chCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := ch.Deliver(chCtx, intent)
		cancel()
		if err != nil {
			s.logger.Warn("Notification delivery dropped",
				zap.String("channel", ch.Name()),
				zap.String("kind", string(intent.Kind)),
				zap.Uint("recipient_id", intent.RecipientID),
				zap.Uint("request_id", intent.RequestID),
				zap.Error(err))
		}
	}
}

// Wait stops accepting intents and blocks until every dispatched one has
// been attempted.
func (s *Service) Wait() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// GetUserNotifications returns a page of the user's inbox, newest first.
func (s *Service) GetUserNotifications(ctx context.Context, userID uint, limit, offset int) (*Inbox, error) {
	items, err := s.repo.ListNotifications(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []Notification{}
	}
	return &Inbox{Notifications: items, UnreadCount: unread}, nil
}

// MarkNotificationAsRead fails with ErrNotFound unless userID owns the entry.
func (s *Service) MarkNotificationAsRead(ctx context.Context, notificationID, userID uint) error {
	return s.repo.MarkRead(ctx, notificationID, userID)
}

func (s *Service) MarkAllAsRead(ctx context.Context, userID uint) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}
