package requests

import (
	"fmt"
	"sort"
	"time"
)

type OutcomeKind string

const (
	OutcomeRejected  OutcomeKind = "REJECTED"
	OutcomeAdvanced  OutcomeKind = "ADVANCED"
	OutcomeCompleted OutcomeKind = "COMPLETED"
)

// Outcome is the result of applying a decision to a chain. Chain holds the
// updated copy; the input chain is left untouched.
type Outcome struct {
	Kind          OutcomeKind
	RequestStatus RequestStatus
	Decided       ApprovalStep
	Next          *ApprovalStep
	Chain         []ApprovalStep
}

// CurrentStep returns the single active step of a pending chain. The active
// step must be PENDING and no lower-sequence step may still be PENDING.
func CurrentStep(chain []ApprovalStep) (*ApprovalStep, error) {
	var active *ApprovalStep
	for i := range chain {
		step := chain[i]
		if !step.IsActive {
			continue
		}
		if active != nil {
			return nil, fmt.Errorf("%w: request %d has multiple active steps (%d, %d)",
				ErrInvariantViolation, step.RequestID, active.Sequence, step.Sequence)
		}
		if step.Status != StatusPending {
			return nil, fmt.Errorf("%w: active step %d of request %d is %s",
				ErrInvariantViolation, step.Sequence, step.RequestID, step.Status)
		}
		active = &step
	}
	if active == nil {
		return nil, fmt.Errorf("%w: no active step", ErrInvariantViolation)
	}
	for _, step := range chain {
		if step.Status == StatusPending && step.Sequence < active.Sequence {
			return nil, fmt.Errorf("%w: step %d of request %d is pending before active step %d",
				ErrInvariantViolation, step.Sequence, step.RequestID, active.Sequence)
		}
	}
	return active, nil
}

// CanDecide reports whether approverID holds the current step.
func CanDecide(chain []ApprovalStep, approverID uint) bool {
	step, err := CurrentStep(chain)
	if err != nil {
		return false
	}
	return step.ApproverID == approverID && step.Status == StatusPending
}

// ApplyDecision records in.Decision on the current step and routes the chain.
// The next step is looked up by exact sequence. A missing next step, or one
// that is decided with nothing pending after it, completes the request.
func ApplyDecision(chain []ApprovalStep, in SubmitDecisionInput, at time.Time) (Outcome, error) {
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return Outcome{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidArgument, in.Decision)
	}

	current, err := CurrentStep(chain)
	if err != nil {
		return Outcome{}, err
	}
	if current.ApproverID != in.ApproverID {
		return Outcome{}, fmt.Errorf("%w: not your turn or already decided", ErrForbidden)
	}

	updated := make([]ApprovalStep, len(chain))
	copy(updated, chain)
	sort.Slice(updated, func(i, j int) bool { return updated[i].Sequence < updated[j].Sequence })

	var decided, next *ApprovalStep
	for i := range updated {
		switch updated[i].Sequence {
		case current.Sequence:
			decided = &updated[i]
		case current.Sequence + 1:
			next = &updated[i]
		}
	}

	decidedAt := at
	decided.Status = in.Decision.status()
	decided.Remarks = in.Remarks
	decided.IsActive = false
	decided.DecidedAt = &decidedAt

	out := Outcome{Chain: updated}
	switch {
	case in.Decision == DecisionReject:
		out.Kind = OutcomeRejected
		out.RequestStatus = StatusRejected
	case next == nil:
		out.Kind = OutcomeCompleted
		out.RequestStatus = StatusApproved
	case next.Status != StatusPending:
		if pendingAfter(updated, current.Sequence) {
			return Outcome{}, fmt.Errorf("%w: step %d of request %d already decided before step %d",
				ErrInvariantViolation, next.Sequence, next.RequestID, current.Sequence)
		}
		out.Kind = OutcomeCompleted
		out.RequestStatus = StatusApproved
	default:
		next.IsActive = true
		n := *next
		out.Kind = OutcomeAdvanced
		out.RequestStatus = StatusPending
		out.Next = &n
	}
	out.Decided = *decided
	return out, nil
}

func pendingAfter(chain []ApprovalStep, sequence int) bool {
	for _, step := range chain {
		if step.Sequence > sequence && step.Status == StatusPending {
			return true
		}
	}
	return false
}

// BuildChain drops entries without an approver id and numbers the rest from 1.
// The first surviving entry is active.
func BuildChain(entries []ApproverEntry) []ApprovalStep {
	steps := make([]ApprovalStep, 0, len(entries))
	for _, entry := range entries {
		if entry.ApproverID == nil {
			continue
		}
		steps = append(steps, ApprovalStep{
			ApproverID: *entry.ApproverID,
			RoleLabel:  entry.RoleLabel,
			Sequence:   len(steps) + 1,
			Status:     StatusPending,
			IsActive:   len(steps) == 0,
		})
	}
	return steps
}
