package notifications

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// SESAPI is the part of the SES v2 client the email channel uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailChannel mails the intent to recipients with an address on file.
type EmailChannel struct {
	directory Directory
	client    SESAPI
	from      string
	logger    *zap.Logger
}

func NewEmailChannel(directory Directory, client SESAPI, from string, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{directory: directory, client: client, from: from, logger: logger}
}

func (c *EmailChannel) Name() string { return "email" }

func emailSubject(kind Kind) string {
	switch kind {
	case KindRequestApproved:
		return "Request approved"
	case KindRequestRejected:
		return "Request rejected"
	default:
		return "Approval required"
	}
}

func (c *EmailChannel) Deliver(ctx context.Context, intent Intent) error {
	contact, err := c.directory.LookupContact(ctx, intent.RecipientID)
	if err != nil {
		return err
	}
	if contact == nil || contact.Email == "" {
		return nil
	}

	subject := emailSubject(intent.Kind)
	if intent.ReferenceCode != "" {
		subject = fmt.Sprintf("%s: %s", subject, intent.ReferenceCode)
	}

	out, err := c.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.from),
		Destination:      &sestypes.Destination{ToAddresses: []string{contact.Email}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(intent.Message), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	c.logger.Debug("Email sent", zap.Uint("user_id", intent.RecipientID), zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}
