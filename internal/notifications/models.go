package notifications

import (
	"time"

	"gorm.io/datatypes"
)

// Kind classifies an intent.
type Kind string

const (
	KindRequestSent     Kind = "REQUEST_SENT"
	KindRequestApproved Kind = "REQUEST_APPROVED"
	KindRequestRejected Kind = "REQUEST_REJECTED"
)

// Intent is a notification the approval workflow asks to have delivered
// after a state change is committed. It is never retried.
type Intent struct {
	RecipientID   uint   `json:"recipientId"`
	SenderID      uint   `json:"senderId"`
	RequestID     uint   `json:"requestId"`
	ReferenceCode string `json:"referenceCode"`
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	Content       string `json:"content,omitempty"`
}

// Notification is an in-app inbox entry.
type Notification struct {
	ID         uint           `json:"id" gorm:"primaryKey"`
	ReceiverID uint           `json:"receiverId" gorm:"not null;index"`
	SenderID   uint           `json:"senderId"`
	RequestID  uint           `json:"requestId" gorm:"index"`
	Type       Kind           `json:"type" gorm:"type:varchar(40);not null"`
	Message    string         `json:"message" gorm:"type:text;not null"`
	IsRead     bool           `json:"isRead" gorm:"not null;default:false;index"`
	Metadata   datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt  time.Time      `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt  time.Time      `json:"updatedAt" gorm:"autoUpdateTime"`
}

type SMSStatus string

const (
	SMSQueued SMSStatus = "QUEUED"
	SMSSent   SMSStatus = "SENT"
	SMSFailed SMSStatus = "FAILED"
)

// SMSQueueEntry is an outbound text waiting for a gateway or the relay.
type SMSQueueEntry struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	UserID    uint       `json:"userId" gorm:"index"`
	Number    string     `json:"number" gorm:"type:varchar(32);not null"`
	Message   string     `json:"message" gorm:"type:text;not null"`
	Status    SMSStatus  `json:"status" gorm:"type:varchar(20);not null;default:'QUEUED';index"`
	Attempts  int        `json:"attempts" gorm:"not null;default:0"`
	LastError string     `json:"lastError,omitempty" gorm:"type:text"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (SMSQueueEntry) TableName() string { return "sms_queue" }

// Contact is the subset of the user directory the channels need. The users
// table belongs to the account service and is only read here.
type Contact struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"column:name"`
	PhoneNumber     string `gorm:"column:phone_number"`
	Email           string `gorm:"column:email"`
	SMSNotification bool   `gorm:"column:sms_notification"`
}

func (Contact) TableName() string { return "users" }
