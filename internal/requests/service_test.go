package requests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"request-portal/request-portal-backend/internal/notifications"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	intents []notifications.Intent
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, intent notifications.Intent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = append(d.intents, intent)
}

func (d *recordingDispatcher) all() []notifications.Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notifications.Intent(nil), d.intents...)
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = nil
}

// MockDispatcher is a mock implementation of the Dispatcher interface
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, intent notifications.Intent) {
	m.Called(ctx, intent)
}

const requester uint = 100

func newTestService(t *testing.T) (Service, Repository, *recordingDispatcher) {
	t.Helper()
	repo := NewMemoryRepository()
	dispatcher := &recordingDispatcher{}
	svc := NewService(repo, dispatcher, zap.NewNop(), Options{ReferencePrefix: "REF", ReferenceWidth: 6})
	return svc, repo, dispatcher
}

func submit(t *testing.T, svc Service, approvers ...uint) *Request {
	t.Helper()
	entries := make([]ApproverEntry, len(approvers))
	for i, id := range approvers {
		entries[i] = ApproverEntry{ApproverID: uintPtr(id), RoleLabel: "approver"}
	}
	req, err := svc.CreateRequest(context.Background(), CreateRequestInput{
		RequestedBy: requester,
		Payload:     Payload{Form: FormFundTransfer, Summary: "Transfer to branch 7"},
		Approvers:   entries,
	})
	require.NoError(t, err)
	return req
}

func decide(svc Service, requestID, approverID uint, decision Decision, remarks string) (*DecisionResult, error) {
	return svc.SubmitDecision(context.Background(), SubmitDecisionInput{
		RequestID:  requestID,
		ApproverID: approverID,
		Decision:   decision,
		Remarks:    remarks,
	})
}

func TestCreateRequest(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, CreateRequestInput{
		RequestedBy: requester,
		Payload:     Payload{Form: FormTravelOrder, Summary: "Manila trip"},
		Approvers: []ApproverEntry{
			{ApproverID: uintPtr(1), RoleLabel: "notedBy"},
			{ApproverID: nil, RoleLabel: "checkedBy"},
			{ApproverID: uintPtr(2), RoleLabel: "approvedBy"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "REF000001", req.ReferenceCode)
	require.Len(t, req.Steps, 2)
	assert.Equal(t, []int{1, 2}, []int{req.Steps[0].Sequence, req.Steps[1].Sequence})
	assert.Equal(t, []uint{1, 2}, []uint{req.Steps[0].ApproverID, req.Steps[1].ApproverID})
	assert.True(t, req.Steps[0].IsActive)
	assert.False(t, req.Steps[1].IsActive)

	stored, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "REF000001", stored.ReferenceCode)

	logs, err := repo.ListLogs(ctx, requester, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActionSubmitRequest, logs[0].Action)
	assert.Equal(t, "You have submitted a Travel Order request with ref no. REF000001.", logs[0].Remarks)

	intents := dispatcher.all()
	require.Len(t, intents, 1)
	assert.Equal(t, notifications.KindRequestSent, intents[0].Kind)
	assert.Equal(t, uint(1), intents[0].RecipientID)
	assert.Equal(t, req.ID, intents[0].RequestID)
	assert.Equal(t, "Manila trip", intents[0].Content)
}

func TestCreateRequestReferenceFromAssignedID(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.(*memoryRepository).nextRequestID = 41

	req := submit(t, svc, 1)
	assert.Equal(t, uint(42), req.ID)
	assert.Equal(t, "REF000042", req.ReferenceCode)
}

func TestCreateRequestValidation(t *testing.T) {
	svc, _, dispatcher := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRequest(ctx, CreateRequestInput{Payload: Payload{Form: FormFundTransfer}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateRequest(ctx, CreateRequestInput{
		Payload:   Payload{Form: FormFundTransfer},
		Approvers: []ApproverEntry{{RoleLabel: "notedBy"}},
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateRequest(ctx, CreateRequestInput{
		Payload:   Payload{Form: "GROCERY_LIST"},
		Approvers: []ApproverEntry{{ApproverID: uintPtr(1)}},
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, dispatcher.all())
}

func TestSubmitDecisionRejectMidChain(t *testing.T) {
	const a, b, c uint = 1, 2, 3
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()
	req := submit(t, svc, a, b, c)
	dispatcher.reset()

	res, err := decide(svc, req.ID, a, DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	require.NotNil(t, res.ActiveApproverID)
	assert.Equal(t, b, *res.ActiveApproverID)

	intents := dispatcher.all()
	require.Len(t, intents, 1)
	assert.Equal(t, notifications.KindRequestSent, intents[0].Kind)
	assert.Equal(t, b, intents[0].RecipientID)
	dispatcher.reset()

	res, err = decide(svc, req.ID, b, DecisionReject, "budget exceeded")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Nil(t, res.ActiveApproverID)

	intents = dispatcher.all()
	require.Len(t, intents, 1)
	assert.Equal(t, notifications.KindRequestRejected, intents[0].Kind)
	assert.Equal(t, requester, intents[0].RecipientID)
	assert.Contains(t, intents[0].Message, "budget exceeded")
	dispatcher.reset()

	stored, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)
	assert.Equal(t, StatusApproved, stored.Steps[0].Status)
	assert.Equal(t, StatusRejected, stored.Steps[1].Status)
	assert.Equal(t, "budget exceeded", stored.Steps[1].Remarks)
	assert.Equal(t, StatusPending, stored.Steps[2].Status)
	for _, s := range stored.Steps {
		assert.False(t, s.IsActive)
	}

	_, err = decide(svc, req.ID, c, DecisionApprove, "")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, dispatcher.all())
}

func TestSubmitDecisionApprovesAfterLastStep(t *testing.T) {
	approvers := []uint{1, 2, 3, 4}
	svc, _, dispatcher := newTestService(t)
	req := submit(t, svc, approvers...)
	dispatcher.reset()

	for i, approver := range approvers {
		res, err := decide(svc, req.ID, approver, DecisionApprove, "")
		require.NoError(t, err)
		if i < len(approvers)-1 {
			assert.Equal(t, StatusPending, res.Status, "step %d", i+1)
			continue
		}
		assert.Equal(t, StatusApproved, res.Status)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.Nil(t, res.ActiveApproverID)
	}

	intents := dispatcher.all()
	require.Len(t, intents, len(approvers))
	last := intents[len(intents)-1]
	assert.Equal(t, notifications.KindRequestApproved, last.Kind)
	assert.Equal(t, requester, last.RecipientID)
	assert.Equal(t, `The request for "Fund Transfer" (REF000001) has been approved.`, last.Message)

	status, err := svc.GetChainStatus(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status.Status)
	assert.Nil(t, status.ActiveApproverID)
}

func TestSubmitDecisionErrors(t *testing.T) {
	svc, _, dispatcher := newTestService(t)
	req := submit(t, svc, 1, 2)
	dispatcher.reset()

	_, err := decide(svc, 999, 1, DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = decide(svc, req.ID, 1, "MAYBE", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = decide(svc, req.ID, 2, DecisionApprove, "")
	assert.ErrorIs(t, err, ErrForbidden, "second approver is not active yet")

	_, err = decide(svc, req.ID, 42, DecisionApprove, "")
	assert.ErrorIs(t, err, ErrForbidden, "stranger")

	assert.Empty(t, dispatcher.all())
}

func TestSubmitDecisionTwiceIsForbidden(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()
	req := submit(t, svc, 1, 2)

	_, err := decide(svc, req.ID, 1, DecisionApprove, "")
	require.NoError(t, err)
	before, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	dispatcher.reset()

	_, err = decide(svc, req.ID, 1, DecisionApprove, "")
	assert.ErrorIs(t, err, ErrForbidden)

	after, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, dispatcher.all())
}

func TestConcurrentDecisionsOnlyOneWins(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	req := submit(t, svc, 1, 2)
	dispatcher.reset()

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = decide(svc, req.ID, 1, DecisionApprove, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrForbidden)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, dispatcher.all(), 1)

	chain, err := repo.LoadChain(context.Background(), req.ID)
	require.NoError(t, err)
	step, err := CurrentStep(chain)
	require.NoError(t, err)
	assert.Equal(t, uint(2), step.ApproverID)
}

func TestDecisionsOnDifferentRequestsRunInParallel(t *testing.T) {
	svc, _, _ := newTestService(t)
	ids := make([]uint, 10)
	for i := range ids {
		ids[i] = submit(t, svc, 1).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			res, err := decide(svc, id, 1, DecisionApprove, "")
			assert.NoError(t, err)
			if res != nil {
				assert.Equal(t, StatusApproved, res.Status)
			}
		}(id)
	}
	wg.Wait()
}

func TestSubmitDecisionWritesAuditLog(t *testing.T) {
	svc, repo, _ := newTestService(t)
	req := submit(t, svc, 7)

	_, err := decide(svc, req.ID, 7, DecisionApprove, "looks fine")
	require.NoError(t, err)

	logs, err := repo.ListLogs(context.Background(), 7, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "APPROVED", logs[0].Action)
	assert.Equal(t, "You approved the Fund Transfer request with the reference no. REF000001 Remarks: looks fine", logs[0].Remarks)
}

func TestSubmitDecisionInvariantViolationCommitsNothing(t *testing.T) {
	svc, repo, dispatcher := newTestService(t)
	ctx := context.Background()
	req := submit(t, svc, 1, 2)
	dispatcher.reset()

	mem := repo.(*memoryRepository)
	mem.mu.Lock()
	mem.steps[req.ID][1].IsActive = true
	mem.mu.Unlock()

	_, err := decide(svc, req.ID, 1, DecisionApprove, "")
	assert.ErrorIs(t, err, ErrInvariantViolation)

	stored, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, StatusPending, stored.Steps[0].Status)
	assert.Empty(t, dispatcher.all())

	_, err = svc.GetChainStatus(ctx, req.ID)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestGetChainStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	req := submit(t, svc, 5, 6)

	status, err := svc.GetChainStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Status)
	require.NotNil(t, status.ActiveApproverID)
	assert.Equal(t, uint(5), *status.ActiveApproverID)
	assert.Equal(t, 1, *status.ActiveSequence)

	_, err = svc.GetChainStatus(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListInbox(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// approver 2 is second in line on "waiting" and never reached
	waiting := submit(t, svc, 1, 2)
	yourTurn := submit(t, svc, 2)
	approved := submit(t, svc, 2, 3)
	rejected := submit(t, svc, 2)
	_, err := decide(svc, approved.ID, 2, DecisionApprove, "")
	require.NoError(t, err)
	_, err = decide(svc, rejected.ID, 2, DecisionReject, "")
	require.NoError(t, err)

	ids := func(page *InboxPage) []uint {
		out := make([]uint, len(page.Items))
		for i, item := range page.Items {
			out[i] = item.ID
		}
		return out
	}

	page, err := svc.ListInbox(ctx, InboxQuery{ApproverID: 2, Status: InboxPending})
	require.NoError(t, err)
	assert.Equal(t, []uint{yourTurn.ID}, ids(page))

	page, err = svc.ListInbox(ctx, InboxQuery{ApproverID: 2, Status: InboxApproved})
	require.NoError(t, err)
	assert.Equal(t, []uint{approved.ID}, ids(page))

	page, err = svc.ListInbox(ctx, InboxQuery{ApproverID: 2, Status: InboxRejected})
	require.NoError(t, err)
	assert.Equal(t, []uint{rejected.ID}, ids(page))

	page, err = svc.ListInbox(ctx, InboxQuery{ApproverID: 2, Status: InboxAll})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{yourTurn.ID, approved.ID, rejected.ID}, ids(page))
	assert.NotContains(t, ids(page), waiting.ID)
	assert.Equal(t, int64(3), page.Total)

	page, err = svc.ListInbox(ctx, InboxQuery{ApproverID: 2, Status: InboxAll, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, int64(3), page.Total)

	_, err = svc.ListInbox(ctx, InboxQuery{ApproverID: 2, Status: "ARCHIVED"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestListLogsNewestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	first := submit(t, svc, 1)
	second := submit(t, svc, 1)

	logs, err := svc.ListLogs(context.Background(), requester, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, second.ID, logs[0].RequestID)
	assert.Equal(t, first.ID, logs[1].RequestID)
}

func TestDispatchHappensAfterCommit(t *testing.T) {
	repo := NewMemoryRepository()
	dispatcher := new(MockDispatcher)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(repo, dispatcher, zap.NewNop(), Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	dispatcher.On("Dispatch", ctx, mock.MatchedBy(func(i notifications.Intent) bool {
		return i.Kind == notifications.KindRequestSent && i.RecipientID == 1
	})).Return().Once()

	req, err := svc.CreateRequest(ctx, CreateRequestInput{
		RequestedBy: requester,
		Payload:     Payload{Form: FormCountSheet},
		Approvers:   []ApproverEntry{{ApproverID: uintPtr(1)}},
	})
	require.NoError(t, err)
	assert.Equal(t, now, req.RequestDate)

	dispatcher.On("Dispatch", ctx, mock.MatchedBy(func(i notifications.Intent) bool {
		if i.Kind != notifications.KindRequestApproved {
			return false
		}
		// the decision is already visible when the intent is handed off
		stored, err := repo.GetRequest(ctx, req.ID)
		return err == nil && stored.Status == StatusApproved
	})).Return().Once()

	_, err = svc.SubmitDecision(ctx, SubmitDecisionInput{RequestID: req.ID, ApproverID: 1, Decision: DecisionApprove})
	require.NoError(t, err)

	dispatcher.AssertExpectations(t)
}
