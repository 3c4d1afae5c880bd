package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"request-portal/request-portal-backend/internal/notifications"
	"request-portal/request-portal-backend/pkg/workflows"
)

// Service is the approval workflow exposed to the HTTP layer.
type Service interface {
	CreateRequest(ctx context.Context, in CreateRequestInput) (*Request, error)
	SubmitDecision(ctx context.Context, in SubmitDecisionInput) (*DecisionResult, error)
	GetChainStatus(ctx context.Context, requestID uint) (*ChainStatus, error)
	GetRequest(ctx context.Context, requestID uint) (*Request, error)
	ListInbox(ctx context.Context, q InboxQuery) (*InboxPage, error)
	ListLogs(ctx context.Context, actorID uint, page, pageSize int) ([]RequestLog, error)
}

// Dispatcher receives intents once the change that produced them is durable.
// Implementations must not block the caller on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent notifications.Intent)
}

// DecisionResult reports the state after a decision. ActiveApproverID is set
// only while the request is still pending.
type DecisionResult struct {
	RequestID        uint                   `json:"requestId"`
	ReferenceCode    string                 `json:"referenceCode"`
	Status           RequestStatus          `json:"status"`
	Outcome          OutcomeKind            `json:"outcome"`
	ActiveApproverID *uint                  `json:"activeApproverId"`
	Intents          []notifications.Intent `json:"-"`
}

type Options struct {
	ReferencePrefix string
	ReferenceWidth  int
	Now             func() time.Time
}

type workflowService struct {
	repo       Repository
	dispatcher Dispatcher
	states     *workflows.StateMachine
	logger     *zap.Logger
	opts       Options
}

func NewService(repo Repository, dispatcher Dispatcher, logger *zap.Logger, opts Options) Service {
	if opts.ReferencePrefix == "" {
		opts.ReferencePrefix = "REF"
	}
	if opts.ReferenceWidth <= 0 {
		opts.ReferenceWidth = 6
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &workflowService{
		repo:       repo,
		dispatcher: dispatcher,
		states:     workflows.NewRequestStateMachine(),
		logger:     logger,
		opts:       opts,
	}
}

func (s *workflowService) CreateRequest(ctx context.Context, in CreateRequestInput) (*Request, error) {
	if !in.Payload.Form.Valid() {
		return nil, fmt.Errorf("%w: unknown form type %q", ErrInvalidArgument, in.Payload.Form)
	}
	if len(in.Approvers) == 0 {
		return nil, fmt.Errorf("%w: approver list is empty", ErrInvalidArgument)
	}
	steps := BuildChain(in.Approvers)
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: approver list has no approver ids", ErrInvalidArgument)
	}

	requestDate := in.RequestDate
	if requestDate.IsZero() {
		requestDate = s.opts.Now()
	}
	req := &Request{
		ReferenceCode: placeholderReference,
		Status:        StatusPending,
		FormType:      in.Payload.Form,
		Summary:       in.Payload.Summary,
		Payload:       in.Payload.Data,
		RequestedBy:   in.RequestedBy,
		BranchID:      in.BranchID,
		RequestDate:   requestDate,
	}
	if err := s.repo.CreateRequestWithChain(ctx, req, steps); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	code := FormatReference(req.ID, s.opts.ReferencePrefix, s.opts.ReferenceWidth)
	if err := s.repo.AssignReferenceCode(ctx, req.ID, code); err != nil {
		s.logger.Error("Failed to assign reference code",
			zap.Uint("request_id", req.ID), zap.String("reference_code", code), zap.Error(err))
		return nil, fmt.Errorf("failed to assign reference code: %w", err)
	}
	req.ReferenceCode = code

	form := req.FormType.DisplayName()
	if err := s.repo.AppendLog(ctx, &RequestLog{
		RequestID: req.ID,
		ActorID:   req.RequestedBy,
		Action:    ActionSubmitRequest,
		Remarks:   fmt.Sprintf("You have submitted a %s request with ref no. %s.", form, code),
	}); err != nil {
		s.logger.Warn("Failed to write submission log", zap.Uint("request_id", req.ID), zap.Error(err))
	}

	s.logger.Info("Request submitted",
		zap.Uint("request_id", req.ID),
		zap.String("reference_code", code),
		zap.String("form_type", string(req.FormType)),
		zap.Int("chain_length", len(req.Steps)))

	s.dispatch(ctx, []notifications.Intent{{
		RecipientID:   req.Steps[0].ApproverID,
		SenderID:      req.RequestedBy,
		RequestID:     req.ID,
		ReferenceCode: code,
		Kind:          notifications.KindRequestSent,
		Message:       fmt.Sprintf("New %s request with ref no. %s requires your approval.", form, code),
		Content:       req.Summary,
	}})
	return req, nil
}

func (s *workflowService) SubmitDecision(ctx context.Context, in SubmitDecisionInput) (*DecisionResult, error) {
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return nil, fmt.Errorf("%w: action must be APPROVED or REJECTED", ErrInvalidArgument)
	}

	var result *DecisionResult
	err := s.repo.WithRequestLock(ctx, in.RequestID, func(tx ChainTx) error {
		req := tx.Request()
		if s.states.IsTerminal(string(req.Status)) {
			return fmt.Errorf("%w: request is already %s", ErrForbidden, req.Status)
		}

		chain, err := tx.LoadChain(ctx)
		if err != nil {
			return err
		}
		if !CanDecide(chain, in.ApproverID) {
			if _, err := CurrentStep(chain); err != nil {
				return err
			}
			return fmt.Errorf("%w: not your turn or already approved / rejected", ErrForbidden)
		}

		out, err := ApplyDecision(chain, in, s.opts.Now())
		if err != nil {
			return err
		}
		if out.RequestStatus != req.Status && !s.states.CanTransition(string(req.Status), string(out.RequestStatus)) {
			return fmt.Errorf("%w: transition %s -> %s", ErrInvariantViolation, req.Status, out.RequestStatus)
		}

		if err := tx.CommitDecision(ctx, commitFromOutcome(req.ID, out)); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, &RequestLog{
			RequestID: req.ID,
			ActorID:   in.ApproverID,
			Action:    string(in.Decision),
			Remarks:   decisionLogRemark(req, in),
			CreatedAt: s.opts.Now(),
		}); err != nil {
			return err
		}

		result = &DecisionResult{
			RequestID:     req.ID,
			ReferenceCode: req.ReferenceCode,
			Status:        out.RequestStatus,
			Outcome:       out.Kind,
			Intents:       decisionIntents(req, out, in),
		}
		if out.Next != nil {
			id := out.Next.ApproverID
			result.ActiveApproverID = &id
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			s.logger.Error("Approval chain invariant violated",
				zap.Uint("request_id", in.RequestID),
				zap.Bool("defect", true),
				zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("Decision recorded",
		zap.Uint("request_id", result.RequestID),
		zap.Uint("approver_id", in.ApproverID),
		zap.String("decision", string(in.Decision)),
		zap.String("outcome", string(result.Outcome)))

	s.dispatch(ctx, result.Intents)
	return result, nil
}

func decisionLogRemark(req Request, in SubmitDecisionInput) string {
	verb := "approved"
	if in.Decision == DecisionReject {
		verb = "rejected"
	}
	remark := fmt.Sprintf("You %s the %s request with the reference no. %s",
		verb, req.FormType.DisplayName(), req.ReferenceCode)
	return withRemarks(remark, in.Remarks)
}

func withRemarks(msg, remarks string) string {
	if remarks == "" {
		return msg
	}
	return msg + " Remarks: " + remarks
}

func decisionIntents(req Request, out Outcome, in SubmitDecisionInput) []notifications.Intent {
	form := req.FormType.DisplayName()
	intent := notifications.Intent{
		SenderID:      in.ApproverID,
		RequestID:     req.ID,
		ReferenceCode: req.ReferenceCode,
		Content:       req.Summary,
	}

	switch out.Kind {
	case OutcomeAdvanced:
		intent.RecipientID = out.Next.ApproverID
		intent.Kind = notifications.KindRequestSent
		intent.Message = fmt.Sprintf("%s request %s is ready for your approval.", form, req.ReferenceCode)
	case OutcomeCompleted:
		intent.RecipientID = req.RequestedBy
		intent.Kind = notifications.KindRequestApproved
		intent.Message = withRemarks(
			fmt.Sprintf("The request for %q (%s) has been approved.", form, req.ReferenceCode), in.Remarks)
	case OutcomeRejected:
		intent.RecipientID = req.RequestedBy
		intent.Kind = notifications.KindRequestRejected
		intent.Message = withRemarks(
			fmt.Sprintf("The request for %q (%s) has been rejected.", form, req.ReferenceCode), in.Remarks)
	default:
		return nil
	}
	return []notifications.Intent{intent}
}

func (s *workflowService) dispatch(ctx context.Context, intents []notifications.Intent) {
	if s.dispatcher == nil {
		return
	}
	for _, intent := range intents {
		s.dispatcher.Dispatch(ctx, intent)
	}
}

func (s *workflowService) GetChainStatus(ctx context.Context, requestID uint) (*ChainStatus, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	status := &ChainStatus{
		RequestID:     req.ID,
		ReferenceCode: req.ReferenceCode,
		Status:        req.Status,
		Steps:         req.Steps,
	}
	if req.Status != StatusPending {
		return status, nil
	}

	current, err := CurrentStep(req.Steps)
	if err != nil {
		s.logger.Error("Approval chain invariant violated",
			zap.Uint("request_id", requestID), zap.Bool("defect", true), zap.Error(err))
		return nil, err
	}
	approverID, sequence := current.ApproverID, current.Sequence
	status.ActiveApproverID = &approverID
	status.ActiveSequence = &sequence
	return status, nil
}

func (s *workflowService) GetRequest(ctx context.Context, requestID uint) (*Request, error) {
	return s.repo.GetRequest(ctx, requestID)
}

func (s *workflowService) ListInbox(ctx context.Context, q InboxQuery) (*InboxPage, error) {
	q.normalize()
	if !q.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status filter %q", ErrInvalidArgument, q.Status)
	}

	items, total, err := s.repo.ListInbox(ctx, q)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []Request{}
	}
	return &InboxPage{Items: items, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

func (s *workflowService) ListLogs(ctx context.Context, actorID uint, page, pageSize int) ([]RequestLog, error) {
	q := InboxQuery{Page: page, PageSize: pageSize}
	q.normalize()
	logs, err := s.repo.ListLogs(ctx, actorID, q.PageSize, q.offset())
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []RequestLog{}
	}
	return logs, nil
}
