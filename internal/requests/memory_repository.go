package requests

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryRepository keeps requests in process. A per-request mutex stands in
// for the row lock; mu guards the maps themselves.
type memoryRepository struct {
	mu       sync.RWMutex
	locks    map[uint]*sync.Mutex
	requests map[uint]Request
	steps    map[uint][]ApprovalStep
	logs     []RequestLog

	nextRequestID uint
	nextStepID    uint
	nextLogID     uint
	now           func() time.Time
}

func NewMemoryRepository() Repository {
	return &memoryRepository{
		locks:    make(map[uint]*sync.Mutex),
		requests: make(map[uint]Request),
		steps:    make(map[uint][]ApprovalStep),
		now:      time.Now,
	}
}

func (r *memoryRepository) CreateRequestWithChain(ctx context.Context, req *Request, steps []ApprovalStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.nextRequestID++
	req.ID = r.nextRequestID
	req.CreatedAt = now
	req.UpdatedAt = now

	stored := make([]ApprovalStep, len(steps))
	for i := range steps {
		r.nextStepID++
		steps[i].ID = r.nextStepID
		steps[i].RequestID = req.ID
		steps[i].CreatedAt = now
		steps[i].UpdatedAt = now
		stored[i] = steps[i]
	}
	req.Steps = steps

	row := *req
	row.Steps = nil
	r.requests[req.ID] = row
	r.steps[req.ID] = stored
	r.locks[req.ID] = &sync.Mutex{}
	return nil
}

func (r *memoryRepository) AssignReferenceCode(ctx context.Context, requestID uint, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: request %d", ErrNotFound, requestID)
	}
	req.ReferenceCode = code
	req.UpdatedAt = r.now()
	r.requests[requestID] = req
	return nil
}

func (r *memoryRepository) GetRequest(ctx context.Context, id uint) (*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %d", ErrNotFound, id)
	}
	req.Steps = r.copySteps(id)
	return &req, nil
}

func (r *memoryRepository) LoadChain(ctx context.Context, requestID uint) ([]ApprovalStep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copySteps(requestID), nil
}

func (r *memoryRepository) copySteps(requestID uint) []ApprovalStep {
	steps := make([]ApprovalStep, len(r.steps[requestID]))
	copy(steps, r.steps[requestID])
	sort.Slice(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	return steps
}

func (r *memoryRepository) WithRequestLock(ctx context.Context, requestID uint, fn func(tx ChainTx) error) error {
	r.mu.RLock()
	lock, ok := r.locks[requestID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: request %d", ErrNotFound, requestID)
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	tx := &memoryChainTx{
		repo:    r,
		request: r.requests[requestID],
		steps:   r.copySteps(requestID),
	}
	r.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	r.apply(tx)
	return nil
}

func (r *memoryRepository) apply(tx *memoryChainTx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx.dirty {
		r.requests[tx.request.ID] = tx.request
		r.steps[tx.request.ID] = tx.steps
	}
	for _, log := range tx.logs {
		r.appendLogLocked(log)
	}
}

func (r *memoryRepository) AppendLog(ctx context.Context, log *RequestLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*log = r.appendLogLocked(*log)
	return nil
}

func (r *memoryRepository) appendLogLocked(log RequestLog) RequestLog {
	r.nextLogID++
	log.ID = r.nextLogID
	if log.CreatedAt.IsZero() {
		log.CreatedAt = r.now()
	}
	r.logs = append(r.logs, log)
	return log
}

func (r *memoryRepository) ListInbox(ctx context.Context, q InboxQuery) ([]Request, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Request
	for id, req := range r.requests {
		if !r.inInbox(id, q) {
			continue
		}
		req.Steps = r.copySteps(id)
		matched = append(matched, req)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := q.offset()
	if start >= len(matched) {
		return []Request{}, total, nil
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *memoryRepository) inInbox(requestID uint, q InboxQuery) bool {
	for _, step := range r.steps[requestID] {
		if step.ApproverID != q.ApproverID {
			continue
		}
		yourTurn := step.IsActive && step.Status == StatusPending
		switch q.Status {
		case InboxPending:
			if yourTurn {
				return true
			}
		case InboxApproved:
			if step.Status == StatusApproved {
				return true
			}
		case InboxRejected:
			if step.Status == StatusRejected {
				return true
			}
		default:
			if yourTurn || step.Status != StatusPending {
				return true
			}
		}
	}
	return false
}

func (r *memoryRepository) ListLogs(ctx context.Context, actorID uint, limit, offset int) ([]RequestLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var logs []RequestLog
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].ActorID == actorID {
			logs = append(logs, r.logs[i])
		}
	}
	if offset >= len(logs) {
		return []RequestLog{}, nil
	}
	logs = logs[offset:]
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs, nil
}

type memoryChainTx struct {
	repo    *memoryRepository
	request Request
	steps   []ApprovalStep
	logs    []RequestLog
	dirty   bool
}

func (t *memoryChainTx) Request() Request { return t.request }

func (t *memoryChainTx) LoadChain(ctx context.Context) ([]ApprovalStep, error) {
	steps := make([]ApprovalStep, len(t.steps))
	copy(steps, t.steps)
	return steps, nil
}

func (t *memoryChainTx) CommitDecision(ctx context.Context, c DecisionCommit) error {
	if t.request.Status != StatusPending {
		return fmt.Errorf("%w: request %d is no longer pending", ErrForbidden, c.RequestID)
	}

	steps := make([]ApprovalStep, len(t.steps))
	copy(steps, t.steps)

	decided := -1
	next := -1
	for i, step := range steps {
		if step.Sequence == c.StepSequence && step.Status == StatusPending && step.IsActive {
			decided = i
		}
		if c.NextActiveSequence != nil && step.Sequence == *c.NextActiveSequence && step.Status == StatusPending {
			next = i
		}
	}
	if decided < 0 {
		return fmt.Errorf("%w: step %d already decided", ErrForbidden, c.StepSequence)
	}
	if c.NextActiveSequence != nil && next < 0 {
		return fmt.Errorf("%w: step %d of request %d cannot be activated",
			ErrInvariantViolation, *c.NextActiveSequence, c.RequestID)
	}

	now := t.repo.now()
	decidedAt := c.DecidedAt
	steps[decided].Status = c.StepStatus
	steps[decided].Remarks = c.Remarks
	steps[decided].IsActive = false
	steps[decided].DecidedAt = &decidedAt
	steps[decided].UpdatedAt = now
	if next >= 0 {
		steps[next].IsActive = true
		steps[next].UpdatedAt = now
	}

	t.request.Status = c.RequestStatus
	if c.RequestStatus == StatusRejected {
		t.request.Remarks = c.Remarks
	}
	t.request.UpdatedAt = now
	t.steps = steps
	t.dirty = true
	return nil
}

func (t *memoryChainTx) AppendLog(ctx context.Context, log *RequestLog) error {
	t.logs = append(t.logs, *log)
	return nil
}
