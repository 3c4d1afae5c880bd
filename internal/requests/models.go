package requests

import (
	"time"

	"gorm.io/datatypes"
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
)

// StepStatus shares its values with RequestStatus.
type StepStatus = RequestStatus

type Decision string

const (
	DecisionApprove Decision = "APPROVED"
	DecisionReject  Decision = "REJECTED"
)

// ParseDecision accepts the action strings a caller may send.
func ParseDecision(action string) (Decision, bool) {
	switch action {
	case "APPROVED", "APPROVE", "approved", "approve":
		return DecisionApprove, true
	case "REJECTED", "REJECT", "rejected", "reject":
		return DecisionReject, true
	}
	return "", false
}

func (d Decision) status() RequestStatus {
	if d == DecisionApprove {
		return StatusApproved
	}
	return StatusRejected
}

type FormType string

const (
	FormFundTransfer             FormType = "FUND_TRANSFER"
	FormTravelOrder              FormType = "TRAVEL_ORDER"
	FormProposedBudget           FormType = "PROPOSED_BUDGET"
	FormTransmittalMemo          FormType = "TRANSMITTAL_MEMO"
	FormOSRequisition            FormType = "OS_REQUISITION"
	FormFFEPurchasing            FormType = "FFE_PURCHASING"
	FormPreSign                  FormType = "PRE_SIGN"
	FormPastDueEndorsement       FormType = "PAST_DUE_ENDORSEMENT"
	FormFSMTravelLiquidation     FormType = "FSM_TRAVEL_LIQUIDATION"
	FormWeeklyItineraryDeviation FormType = "WEEKLY_ITINERARY_DEVIATION"
	FormFSMItinerary             FormType = "FSM_ITINERARY"
	FormTravelOrderLiquidation   FormType = "TRAVEL_ORDER_LIQUIDATION"
	FormOSPurchasing             FormType = "OS_PURCHASING"
	FormAsStated                 FormType = "AS_STATED"
	FormCountSheet               FormType = "COUNT_SHEET"
)

var formDisplayNames = map[FormType]string{
	FormFundTransfer:             "Fund Transfer",
	FormTravelOrder:              "Travel Order",
	FormProposedBudget:           "Proposed Budget",
	FormTransmittalMemo:          "Transmittal Memo",
	FormOSRequisition:            "OS Requisition",
	FormFFEPurchasing:            "FFE Purchasing",
	FormPreSign:                  "Pre-Sign",
	FormPastDueEndorsement:       "Past Due Endorsement",
	FormFSMTravelLiquidation:     "FSM Travel Liquidation",
	FormWeeklyItineraryDeviation: "Weekly Itinerary Deviation",
	FormFSMItinerary:             "FSM Itinerary",
	FormTravelOrderLiquidation:   "Travel Order Liquidation",
	FormOSPurchasing:             "OS Purchasing",
	FormAsStated:                 "As Stated",
	FormCountSheet:               "Count Sheet",
}

func (f FormType) Valid() bool {
	_, ok := formDisplayNames[f]
	return ok
}

// DisplayName is the human label used in notifications and audit remarks.
func (f FormType) DisplayName() string {
	if name, ok := formDisplayNames[f]; ok {
		return name
	}
	return string(f)
}

// Request is the approval subject. Its chain is ordered by Sequence.
type Request struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	ReferenceCode string         `json:"referenceCode" gorm:"type:varchar(32);not null;index"`
	Status        RequestStatus  `json:"status" gorm:"type:varchar(20);not null;default:'PENDING';index"`
	FormType      FormType       `json:"formType" gorm:"type:varchar(40);not null"`
	Summary       string         `json:"summary" gorm:"type:text"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	RequestedBy   uint           `json:"requestedBy" gorm:"not null;index"`
	BranchID      *uint          `json:"branchId,omitempty"`
	RequestDate   time.Time      `json:"requestDate"`
	Remarks       string         `json:"remarks,omitempty" gorm:"type:text"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Steps         []ApprovalStep `json:"steps,omitempty" gorm:"foreignKey:RequestID"`
}

// ApprovalStep is one approver's slot in a request's chain.
type ApprovalStep struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	RequestID  uint       `json:"requestId" gorm:"not null;uniqueIndex:idx_request_sequence"`
	ApproverID uint       `json:"approverId" gorm:"not null;index"`
	RoleLabel  string     `json:"roleLabel" gorm:"type:varchar(100)"`
	Sequence   int        `json:"sequence" gorm:"not null;uniqueIndex:idx_request_sequence"`
	Status     StepStatus `json:"status" gorm:"type:varchar(20);not null;default:'PENDING'"`
	IsActive   bool       `json:"isActive" gorm:"not null;default:false"`
	Remarks    string     `json:"remarks,omitempty" gorm:"type:text"`
	DecidedAt  *time.Time `json:"decidedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// RequestLog is an append-only audit entry.
type RequestLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	RequestID uint      `json:"requestId" gorm:"not null;index"`
	ActorID   uint      `json:"actorId" gorm:"not null;index"`
	Action    string    `json:"action" gorm:"type:varchar(40);not null"`
	Remarks   string    `json:"remarks" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt"`
}

const ActionSubmitRequest = "Submit Request"

// ApproverEntry is one element of the caller-supplied approver list.
// Entries with a nil ApproverID are dropped before numbering.
type ApproverEntry struct {
	ApproverID *uint  `json:"id"`
	RoleLabel  string `json:"roleType"`
}

// Payload carries the opaque form body. Only Form and Summary are read.
type Payload struct {
	Form    FormType       `json:"formType"`
	Summary string         `json:"summary"`
	Data    datatypes.JSON `json:"data"`
}

// CreateRequestInput describes a submission.
type CreateRequestInput struct {
	RequestedBy uint
	BranchID    *uint
	RequestDate time.Time
	Payload     Payload
	Approvers   []ApproverEntry
}

// SubmitDecisionInput describes an approver acting on a request.
type SubmitDecisionInput struct {
	RequestID  uint
	ApproverID uint
	Decision   Decision
	Remarks    string
}

// ChainStatus is the read-only view of where a request stands.
type ChainStatus struct {
	RequestID        uint           `json:"requestId"`
	ReferenceCode    string         `json:"referenceCode"`
	Status           RequestStatus  `json:"status"`
	ActiveApproverID *uint          `json:"activeApproverId"`
	ActiveSequence   *int           `json:"activeSequence,omitempty"`
	Steps            []ApprovalStep `json:"steps"`
}

// InboxStatus filters an approver's inbox.
type InboxStatus string

const (
	InboxPending  InboxStatus = "PENDING"
	InboxApproved InboxStatus = "APPROVED"
	InboxRejected InboxStatus = "REJECTED"
	InboxAll      InboxStatus = "ALL"
)

func (s InboxStatus) Valid() bool {
	switch s {
	case InboxPending, InboxApproved, InboxRejected, InboxAll:
		return true
	}
	return false
}

type InboxQuery struct {
	ApproverID uint
	Status     InboxStatus
	Page       int
	PageSize   int
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

func (q *InboxQuery) normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	if q.Status == "" {
		q.Status = InboxPending
	}
}

func (q InboxQuery) offset() int {
	return (q.Page - 1) * q.PageSize
}

type InboxPage struct {
	Items    []Request `json:"items"`
	Total    int64     `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
}
