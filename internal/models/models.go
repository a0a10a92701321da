package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SubscriptionTier string

const (
	TierBasic SubscriptionTier = "basic"
	TierPro   SubscriptionTier = "pro"
)

type SubscriptionStatus string

const (
	SubActive    SubscriptionStatus = "active"
	SubInactive  SubscriptionStatus = "inactive"
	SubCancelled SubscriptionStatus = "cancelled"
	SubPastDue   SubscriptionStatus = "past_due"
)

type MessageType string

const (
	MessageUser   MessageType = "user"
	MessageAI     MessageType = "ai"
	MessageSystem MessageType = "system"
)

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

type User struct {
	ID           string `gorm:"type:varchar(36);primaryKey" json:"id"`
	MobileNumber string `gorm:"type:varchar(15);uniqueIndex;not null" json:"mobile_number"`
	FullName     string `gorm:"type:varchar(255)" json:"full_name"`
	Password     string `gorm:"type:varchar(255)" json:"-"`
	IsActive     bool   `gorm:"default:true" json:"-"`

	// CurrentSubscriptionID points at the user's authoritative subscription
	// row. It is set when the row is created or upgraded, always inside the
	// same transaction, so tier resolution never scans by created_at.
	CurrentSubscriptionID *string `gorm:"type:varchar(36);index" json:"-"`

	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"-"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

type Chatroom struct {
	ID          string `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID      string `gorm:"type:varchar(36);index;not null" json:"-"`
	Title       string `gorm:"type:varchar(255);not null" json:"title"`
	Description string `gorm:"type:text" json:"description"`

	// Denormalized count of user messages, incremented in the same
	// transaction as every user message insert.
	MessageCount int `gorm:"default:0" json:"message_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Chatroom) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

type Message struct {
	ID         string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	ChatroomID string      `gorm:"type:varchar(36);index;not null" json:"-"`
	UserID     string      `gorm:"type:varchar(36);index;not null" json:"-"`
	Content    string      `gorm:"type:text;not null" json:"content"`
	Type       MessageType `gorm:"type:varchar(16);not null;column:message_type" json:"message_type"`

	// Populated only as a side effect of processing this message; the
	// AI-authored reply is always a separate row.
	AIResponse *string `gorm:"type:text;column:ai_response" json:"ai_response"`

	Status           ProcessingStatus `gorm:"type:varchar(16);index;default:pending;column:processing_status" json:"processing_status"`
	ProcessingTimeMs *int64           `gorm:"column:processing_time_ms" json:"processing_time_ms"`
	CreatedAt        time.Time        `json:"created_at"`
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

type Subscription struct {
	ID                   string             `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID               string             `gorm:"type:varchar(36);index;not null" json:"-"`
	PlanType             SubscriptionTier   `gorm:"type:varchar(16);not null;default:basic" json:"plan_type"`
	Status               SubscriptionStatus `gorm:"type:varchar(16);default:active" json:"status"`
	StripeSubscriptionID *string            `gorm:"type:varchar(255);uniqueIndex" json:"-"`
	StripeCustomerID     *string            `gorm:"type:varchar(255)" json:"-"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"-"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

type OTPVerification struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	MobileNumber string    `gorm:"type:varchar(15);index;not null"`
	OTPCode      string    `gorm:"type:varchar(6);not null"`
	ExpiresAt    time.Time `gorm:"not null"`
	IsVerified   bool      `gorm:"default:false"`
	AttemptCount int       `gorm:"default:0"`
	CreatedAt    time.Time
}

func (o *OTPVerification) BeforeCreate(*gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

// UsageTracking is the authoritative per-user-per-day counter. One row per
// (user, UTC day), created lazily on first use.
type UsageTracking struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	UserID       string    `gorm:"type:varchar(36);not null;uniqueIndex:uniq_usage_user_day,priority:1"`
	Date         time.Time `gorm:"not null;uniqueIndex:uniq_usage_user_day,priority:2"`
	MessageCount int       `gorm:"default:0"`
	APICalls     int       `gorm:"default:0"`
	LastUpdated  time.Time
}

func (u *UsageTracking) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
