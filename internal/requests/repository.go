package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the request store. Every state transition on a request runs
// inside WithRequestLock so decisions on one request are serialized.
type Repository interface {
	CreateRequestWithChain(ctx context.Context, req *Request, steps []ApprovalStep) error
	AssignReferenceCode(ctx context.Context, requestID uint, code string) error
	GetRequest(ctx context.Context, id uint) (*Request, error)
	LoadChain(ctx context.Context, requestID uint) ([]ApprovalStep, error)
	WithRequestLock(ctx context.Context, requestID uint, fn func(tx ChainTx) error) error
	AppendLog(ctx context.Context, log *RequestLog) error
	ListInbox(ctx context.Context, q InboxQuery) ([]Request, int64, error)
	ListLogs(ctx context.Context, actorID uint, limit, offset int) ([]RequestLog, error)
}

// ChainTx is the view of one locked request. Writes become visible only when
// the enclosing WithRequestLock callback returns nil.
type ChainTx interface {
	Request() Request
	LoadChain(ctx context.Context) ([]ApprovalStep, error)
	CommitDecision(ctx context.Context, c DecisionCommit) error
	AppendLog(ctx context.Context, log *RequestLog) error
}

// DecisionCommit is the persisted form of an Outcome.
type DecisionCommit struct {
	RequestID          uint
	StepSequence       int
	StepStatus         StepStatus
	Remarks            string
	DecidedAt          time.Time
	RequestStatus      RequestStatus
	NextActiveSequence *int
}

func commitFromOutcome(requestID uint, out Outcome) DecisionCommit {
	c := DecisionCommit{
		RequestID:     requestID,
		StepSequence:  out.Decided.Sequence,
		StepStatus:    out.Decided.Status,
		Remarks:       out.Decided.Remarks,
		RequestStatus: out.RequestStatus,
	}
	if out.Decided.DecidedAt != nil {
		c.DecidedAt = *out.Decided.DecidedAt
	}
	if out.Next != nil {
		seq := out.Next.Sequence
		c.NextActiveSequence = &seq
	}
	return c
}

// Migrate creates or updates the request tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Request{}, &ApprovalStep{}, &RequestLog{}); err != nil {
		return fmt.Errorf("failed to migrate request tables: %w", err)
	}
	return nil
}

type postgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository(db *gorm.DB) Repository {
	return &postgresRepository{db: db}
}

func orderSteps(db *gorm.DB) *gorm.DB {
	return db.Order("sequence ASC")
}

func (r *postgresRepository) CreateRequestWithChain(ctx context.Context, req *Request, steps []ApprovalStep) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(req).Error; err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		for i := range steps {
			steps[i].RequestID = req.ID
		}
		if len(steps) > 0 {
			if err := tx.Create(&steps).Error; err != nil {
				return fmt.Errorf("failed to create approval steps: %w", err)
			}
		}
		req.Steps = steps
		return nil
	})
}

func (r *postgresRepository) AssignReferenceCode(ctx context.Context, requestID uint, code string) error {
	res := r.db.WithContext(ctx).Model(&Request{}).Where("id = ?", requestID).Update("reference_code", code)
	if res.Error != nil {
		return fmt.Errorf("failed to assign reference code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: request %d", ErrNotFound, requestID)
	}
	return nil
}

func (r *postgresRepository) GetRequest(ctx context.Context, id uint) (*Request, error) {
	var req Request
	err := r.db.WithContext(ctx).Preload("Steps", orderSteps).First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: request %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &req, nil
}

func (r *postgresRepository) LoadChain(ctx context.Context, requestID uint) ([]ApprovalStep, error) {
	return loadChain(r.db.WithContext(ctx), requestID)
}

func loadChain(db *gorm.DB, requestID uint) ([]ApprovalStep, error) {
	var steps []ApprovalStep
	if err := db.Where("request_id = ?", requestID).Order("sequence ASC").Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	return steps, nil
}

// WithRequestLock holds SELECT ... FOR UPDATE on the request row for the
// lifetime of fn.
func (r *postgresRepository) WithRequestLock(ctx context.Context, requestID uint, fn func(tx ChainTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req Request
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&req, requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: request %d", ErrNotFound, requestID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock request: %w", err)
		}
		return fn(&gormChainTx{tx: tx, request: req})
	})
}

func (r *postgresRepository) AppendLog(ctx context.Context, log *RequestLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to append request log: %w", err)
	}
	return nil
}

func (r *postgresRepository) inboxQuery(ctx context.Context, q InboxQuery) *gorm.DB {
	db := r.db.WithContext(ctx)
	sub := db.Model(&ApprovalStep{}).Select("request_id").Where("approver_id = ?", q.ApproverID)
	switch q.Status {
	case InboxPending:
		sub = sub.Where("is_active = ? AND status = ?", true, StatusPending)
	case InboxApproved:
		sub = sub.Where("status = ?", StatusApproved)
	case InboxRejected:
		sub = sub.Where("status = ?", StatusRejected)
	default:
		sub = sub.Where("((is_active = ? AND status = ?) OR status IN ?)",
			true, StatusPending, []RequestStatus{StatusApproved, StatusRejected})
	}
	return db.Model(&Request{}).Where("id IN (?)", sub)
}

func (r *postgresRepository) ListInbox(ctx context.Context, q InboxQuery) ([]Request, int64, error) {
	var total int64
	if err := r.inboxQuery(ctx, q).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count inbox: %w", err)
	}

	var items []Request
	err := r.inboxQuery(ctx, q).
		Preload("Steps", orderSteps).
		Order("created_at DESC").
		Offset(q.offset()).
		Limit(q.PageSize).
		Find(&items).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list inbox: %w", err)
	}
	return items, total, nil
}

func (r *postgresRepository) ListLogs(ctx context.Context, actorID uint, limit, offset int) ([]RequestLog, error) {
	var logs []RequestLog
	err := r.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	return logs, nil
}

type gormChainTx struct {
	tx      *gorm.DB
	request Request
}

func (t *gormChainTx) Request() Request { return t.request }

func (t *gormChainTx) LoadChain(ctx context.Context) ([]ApprovalStep, error) {
	return loadChain(t.tx.WithContext(ctx), t.request.ID)
}

// CommitDecision guards every update on the state it expects, so a write that
// lost a race affects no rows and is reported as ErrForbidden.
func (t *gormChainTx) CommitDecision(ctx context.Context, c DecisionCommit) error {
	db := t.tx.WithContext(ctx)

	res := db.Model(&ApprovalStep{}).
		Where("request_id = ? AND sequence = ? AND status = ? AND is_active = ?",
			c.RequestID, c.StepSequence, StatusPending, true).
		Updates(map[string]interface{}{
			"status":     c.StepStatus,
			"remarks":    c.Remarks,
			"is_active":  false,
			"decided_at": c.DecidedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to persist step decision: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: step %d already decided", ErrForbidden, c.StepSequence)
	}

	requestUpdates := map[string]interface{}{"status": c.RequestStatus}
	if c.RequestStatus == StatusRejected {
		requestUpdates["remarks"] = c.Remarks
	}
	res = db.Model(&Request{}).
		Where("id = ? AND status = ?", c.RequestID, StatusPending).
		Updates(requestUpdates)
	if res.Error != nil {
		return fmt.Errorf("failed to persist request status: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: request %d is no longer pending", ErrForbidden, c.RequestID)
	}

	if c.NextActiveSequence != nil {
		res = db.Model(&ApprovalStep{}).
			Where("request_id = ? AND sequence = ? AND status = ?", c.RequestID, *c.NextActiveSequence, StatusPending).
			Update("is_active", true)
		if res.Error != nil {
			return fmt.Errorf("failed to activate next step: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: step %d of request %d cannot be activated",
				ErrInvariantViolation, *c.NextActiveSequence, c.RequestID)
		}
	}
	return nil
}

func (t *gormChainTx) AppendLog(ctx context.Context, log *RequestLog) error {
	if err := t.tx.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to append request log: %w", err)
	}
	return nil
}
