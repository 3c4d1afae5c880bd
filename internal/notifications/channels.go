package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"request-portal/request-portal-backend/internal/notifications/websocket"
)

const (
	EventNewRequest      = "new_request"
	EventRequestApproved = "request_approved"
	EventRequestRejected = "request_rejected"
	EventNewSMS          = "new_sms"

	// TopicSMSGateway is the websocket topic phone gateways subscribe to.
	TopicSMSGateway = "sms_gateway"
)

// Channel delivers one intent over one medium. A recipient the channel
// cannot reach is skipped without error.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, intent Intent) error
}

// Pusher is the realtime side of the websocket manager.
type Pusher interface {
	SendToUser(userID string, message websocket.Message) error
	SendToTopic(topic string, message websocket.Message) error
}

func eventFor(kind Kind) string {
	switch kind {
	case KindRequestApproved:
		return EventRequestApproved
	case KindRequestRejected:
		return EventRequestRejected
	default:
		return EventNewRequest
	}
}

// InAppChannel stores the inbox entry and pushes it to the recipient's
// open sockets.
type InAppChannel struct {
	repo   Repository
	pusher Pusher
	logger *zap.Logger
}

func NewInAppChannel(repo Repository, pusher Pusher, logger *zap.Logger) *InAppChannel {
	return &InAppChannel{repo: repo, pusher: pusher, logger: logger}
}

func (c *InAppChannel) Name() string { return "in_app" }

func (c *InAppChannel) Deliver(ctx context.Context, intent Intent) error {
	metadata, err := json.Marshal(map[string]string{"referenceCode": intent.ReferenceCode})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	n := &Notification{
		ReceiverID: intent.RecipientID,
		SenderID:   intent.SenderID,
		RequestID:  intent.RequestID,
		Type:       intent.Kind,
		Message:    intent.Message,
		Metadata:   datatypes.JSON(metadata),
	}
	if err := c.repo.CreateNotification(ctx, n); err != nil {
		return err
	}

	if c.pusher == nil {
		return nil
	}
	err = c.pusher.SendToUser(strconv.FormatUint(uint64(intent.RecipientID), 10), websocket.Message{
		Type: eventFor(intent.Kind),
		Data: map[string]interface{}{
			"notificationId": n.ID,
			"receiverId":     intent.RecipientID,
			"requestId":      intent.RequestID,
			"referenceCode":  intent.ReferenceCode,
			"message":        intent.Message,
			"content":        intent.Content,
		},
	})
	if err != nil {
		// offline users read the stored entry later
		c.logger.Debug("Realtime push skipped", zap.Uint("user_id", intent.RecipientID), zap.Error(err))
	}
	return nil
}
