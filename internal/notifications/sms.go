package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"request-portal/request-portal-backend/internal/notifications/websocket"
)

// SMSChannel queues a text for recipients who opted in. With a gateway
// pusher the entry is handed to connected phone gateways at once; otherwise
// it waits for SMSRelay.
type SMSChannel struct {
	directory Directory
	repo      Repository
	gateway   Pusher
	logger    *zap.Logger
	now       func() time.Time
}

func NewSMSChannel(directory Directory, repo Repository, gateway Pusher, logger *zap.Logger) *SMSChannel {
	return &SMSChannel{directory: directory, repo: repo, gateway: gateway, logger: logger, now: time.Now}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Deliver(ctx context.Context, intent Intent) error {
	contact, err := c.directory.LookupContact(ctx, intent.RecipientID)
	if err != nil {
		return err
	}
	if contact == nil || contact.PhoneNumber == "" || !contact.SMSNotification {
		return nil
	}

	entry := &SMSQueueEntry{
		UserID:  intent.RecipientID,
		Number:  contact.PhoneNumber,
		Message: intent.Message,
		Status:  SMSQueued,
	}
	if err := c.repo.EnqueueSMS(ctx, entry); err != nil {
		return err
	}
	if c.gateway == nil {
		return nil
	}

	err = c.gateway.SendToTopic(TopicSMSGateway, websocket.Message{
		Type: EventNewSMS,
		Data: map[string]interface{}{
			"id":      entry.ID,
			"number":  entry.Number,
			"message": entry.Message,
		},
	})
	if err != nil {
		c.logger.Warn("No SMS gateway connected, entry left queued", zap.Uint("sms_id", entry.ID), zap.Error(err))
		return nil
	}

	sentAt := c.now()
	entry.Status = SMSSent
	entry.Attempts++
	entry.SentAt = &sentAt
	return c.repo.UpdateSMS(ctx, entry)
}

// SNSAPI is the part of the SNS client the relay uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSRelayConfig configuration for the relay
type SMSRelayConfig struct {
	Schedule    string
	BatchSize   int
	MaxAttempts int
}

// DefaultSMSRelayConfig returns default configuration
func DefaultSMSRelayConfig() SMSRelayConfig {
	return SMSRelayConfig{
		Schedule:    "@every 30s",
		BatchSize:   50,
		MaxAttempts: 3,
	}
}

// SMSRelay drains the SMS queue through SNS on a cron schedule.
type SMSRelay struct {
	repo    Repository
	client  SNSAPI
	logger  *zap.Logger
	config  SMSRelayConfig
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	now     func() time.Time
}

func NewSMSRelay(repo Repository, client SNSAPI, logger *zap.Logger, config SMSRelayConfig) *SMSRelay {
	defaults := DefaultSMSRelayConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	return &SMSRelay{
		repo:   repo,
		client: client,
		logger: logger,
		config: config,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:    time.Now,
	}
}

// Start schedules RunOnce. ctx bounds every run.
func (r *SMSRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("sms relay already running")
	}

	_, err := r.cron.AddFunc(r.config.Schedule, func() {
		if _, _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("SMS relay run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid relay schedule %q: %w", r.config.Schedule, err)
	}

	r.cron.Start()
	r.running = true
	r.logger.Info("SMS relay started", zap.String("schedule", r.config.Schedule))
	return nil
}

// Stop waits for an in-flight run to finish.
func (r *SMSRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.logger.Info("SMS relay stopped")
}

// RunOnce sends one batch of queued entries.
func (r *SMSRelay) RunOnce(ctx context.Context) (sent, failed int, err error) {
	entries, err := r.repo.ListQueuedSMS(ctx, r.config.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	for i := range entries {
		entry := &entries[i]
		entry.Attempts++

		_, pubErr := r.client.Publish(ctx, &sns.PublishInput{
			PhoneNumber: aws.String(entry.Number),
			Message:     aws.String(entry.Message),
			MessageAttributes: map[string]snstypes.MessageAttributeValue{
				"AWS.SNS.SMS.SMSType": {
					DataType:    aws.String("String"),
					StringValue: aws.String("Transactional"),
				},
			},
		})
		switch {
		case pubErr == nil:
			sentAt := r.now()
			entry.Status = SMSSent
			entry.SentAt = &sentAt
			entry.LastError = ""
			sent++
		case entry.Attempts >= r.config.MaxAttempts:
			entry.Status = SMSFailed
			entry.LastError = pubErr.Error()
			failed++
			r.logger.Warn("Giving up on SMS", zap.Uint("sms_id", entry.ID), zap.Int("attempts", entry.Attempts), zap.Error(pubErr))
		default:
			entry.LastError = pubErr.Error()
			r.logger.Warn("SMS publish failed, will retry", zap.Uint("sms_id", entry.ID), zap.Error(pubErr))
		}

		if err := r.repo.UpdateSMS(ctx, entry); err != nil {
			return sent, failed, err
		}
	}

	if len(entries) > 0 {
		r.logger.Info("SMS relay batch processed",
			zap.Int("batch", len(entries)), zap.Int("sent", sent), zap.Int("failed", failed))
	}
	return sent, failed, nil
}
