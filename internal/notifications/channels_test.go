package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"request-portal/request-portal-backend/internal/notifications/websocket"
)

// MockPusher is a mock implementation of the Pusher interface
type MockPusher struct {
	mock.Mock
}

func (m *MockPusher) SendToUser(userID string, message websocket.Message) error {
	args := m.Called(userID, message)
	return args.Error(0)
}

func (m *MockPusher) SendToTopic(topic string, message websocket.Message) error {
	args := m.Called(topic, message)
	return args.Error(0)
}

// MockSES is a mock implementation of the SESAPI interface
type MockSES struct {
	mock.Mock
}

func (m *MockSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sesv2.SendEmailOutput), args.Error(1)
}

// MockSNS is a mock implementation of the SNSAPI interface
type MockSNS struct {
	mock.Mock
}

func (m *MockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

var testDirectory = StaticDirectory{
	2: {ID: 2, Name: "Approver", PhoneNumber: "+639171234567", Email: "approver@example.com", SMSNotification: true},
	3: {ID: 3, Name: "Opted out", PhoneNumber: "+639179999999", SMSNotification: false},
	4: {ID: 4, Name: "No phone", SMSNotification: true},
}

func TestInAppChannelStoresAndPushes(t *testing.T) {
	repo := NewMemoryRepository()
	pusher := new(MockPusher)
	ch := NewInAppChannel(repo, pusher, zap.NewNop())
	ctx := context.Background()

	pusher.On("SendToUser", "2", mock.MatchedBy(func(m websocket.Message) bool {
		return m.Type == EventNewRequest && m.Data["requestId"] == uint(42)
	})).Return(errors.New("user 2 not connected")).Once()

	require.NoError(t, ch.Deliver(ctx, sampleIntent()))

	items, err := repo.ListNotifications(ctx, 2, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, KindRequestSent, items[0].Type)
	assert.Equal(t, uint(42), items[0].RequestID)
	assert.False(t, items[0].IsRead)
	assert.JSONEq(t, `{"referenceCode":"REF000042"}`, string(items[0].Metadata))
	pusher.AssertExpectations(t)
}

func TestEventForKind(t *testing.T) {
	assert.Equal(t, EventNewRequest, eventFor(KindRequestSent))
	assert.Equal(t, EventRequestApproved, eventFor(KindRequestApproved))
	assert.Equal(t, EventRequestRejected, eventFor(KindRequestRejected))
}

func TestSMSChannelSkipsUnreachableRecipients(t *testing.T) {
	repo := NewMemoryRepository()
	ch := NewSMSChannel(testDirectory, repo, nil, zap.NewNop())
	ctx := context.Background()

	for _, recipient := range []uint{3, 4, 99} {
		intent := sampleIntent()
		intent.RecipientID = recipient
		require.NoError(t, ch.Deliver(ctx, intent))
	}

	queued, err := repo.ListQueuedSMS(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestSMSChannelQueuesForRelay(t *testing.T) {
	repo := NewMemoryRepository()
	ch := NewSMSChannel(testDirectory, repo, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, ch.Deliver(ctx, sampleIntent()))

	queued, err := repo.ListQueuedSMS(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "+639171234567", queued[0].Number)
	assert.Equal(t, SMSQueued, queued[0].Status)
}

func TestSMSChannelHandsOffToGateway(t *testing.T) {
	repo := NewMemoryRepository()
	gateway := new(MockPusher)
	ch := NewSMSChannel(testDirectory, repo, gateway, zap.NewNop())
	ctx := context.Background()

	gateway.On("SendToTopic", TopicSMSGateway, mock.MatchedBy(func(m websocket.Message) bool {
		return m.Type == EventNewSMS && m.Data["number"] == "+639171234567"
	})).Return(nil).Once()

	require.NoError(t, ch.Deliver(ctx, sampleIntent()))

	queued, err := repo.ListQueuedSMS(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued, "gateway delivery marks the entry sent")
	gateway.AssertExpectations(t)
}

func TestSMSChannelLeavesEntryQueuedWithoutGateway(t *testing.T) {
	repo := NewMemoryRepository()
	gateway := new(MockPusher)
	ch := NewSMSChannel(testDirectory, repo, gateway, zap.NewNop())
	ctx := context.Background()

	gateway.On("SendToTopic", TopicSMSGateway, mock.Anything).Return(errors.New("no connections")).Once()

	require.NoError(t, ch.Deliver(ctx, sampleIntent()))

	queued, err := repo.ListQueuedSMS(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestEmailChannel(t *testing.T) {
	ses := new(MockSES)
	ch := NewEmailChannel(testDirectory, ses, "portal@example.com", zap.NewNop())
	ctx := context.Background()

	ses.On("SendEmail", ctx, mock.MatchedBy(func(in *sesv2.SendEmailInput) bool {
		return aws.ToString(in.FromEmailAddress) == "portal@example.com" &&
			in.Destination.ToAddresses[0] == "approver@example.com" &&
			aws.ToString(in.Content.Simple.Subject.Data) == "Approval required: REF000042"
	})).Return(&sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil).Once()

	require.NoError(t, ch.Deliver(ctx, sampleIntent()))

	noEmail := sampleIntent()
	noEmail.RecipientID = 3
	require.NoError(t, ch.Deliver(ctx, noEmail))

	ses.AssertExpectations(t)
}

func TestEmailChannelReturnsSendError(t *testing.T) {
	ses := new(MockSES)
	ch := NewEmailChannel(testDirectory, ses, "portal@example.com", zap.NewNop())

	ses.On("SendEmail", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()

	assert.Error(t, ch.Deliver(context.Background(), sampleIntent()))
}

func TestSMSRelayRunOnce(t *testing.T) {
	repo := NewMemoryRepository()
	client := new(MockSNS)
	relay := NewSMSRelay(repo, client, zap.NewNop(), SMSRelayConfig{BatchSize: 10, MaxAttempts: 2})
	ctx := context.Background()

	require.NoError(t, repo.EnqueueSMS(ctx, &SMSQueueEntry{Number: "+1", Message: "ok"}))
	require.NoError(t, repo.EnqueueSMS(ctx, &SMSQueueEntry{Number: "+2", Message: "flaky"}))

	client.On("Publish", ctx, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return aws.ToString(in.PhoneNumber) == "+1"
	})).Return(&sns.PublishOutput{MessageId: aws.String("p-1")}, nil).Once()
	client.On("Publish", ctx, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return aws.ToString(in.PhoneNumber) == "+2"
	})).Return(nil, errors.New("rate exceeded")).Twice()

	sent, failed, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)

	queued, err := repo.ListQueuedSMS(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.Equal(t, "rate exceeded", queued[0].LastError)

	sent, failed, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, failed)

	queued, err = repo.ListQueuedSMS(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
	client.AssertExpectations(t)
}

func TestSMSRelayStartRejectsBadSchedule(t *testing.T) {
	relay := NewSMSRelay(NewMemoryRepository(), new(MockSNS), zap.NewNop(), SMSRelayConfig{Schedule: "not a schedule"})
	assert.Error(t, relay.Start(context.Background()))

	ok := NewSMSRelay(NewMemoryRepository(), new(MockSNS), zap.NewNop(), SMSRelayConfig{})
	require.NoError(t, ok.Start(context.Background()))
	assert.Error(t, ok.Start(context.Background()))
	ok.Stop()
}
