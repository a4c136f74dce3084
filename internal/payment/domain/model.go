package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindFull        Kind = "FULL"
	KindInstallment Kind = "INSTALLMENT"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusOverdue  Status = "OVERDUE"
	StatusPaid     Status = "PAID"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"
)

// Terminal statuses never transition again.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCanceled
}

// Open statuses still await money.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusOverdue
}

// Payment is one collectible obligation of a contract. Rows are never deleted.
type Payment struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	ContractID        snowflake.ID `json:"contract_id" gorm:"not null;index"`
	Kind              Kind         `json:"kind" gorm:"type:text;not null"`
	Amount            int64        `json:"amount" gorm:"not null"`
	Currency          string       `json:"currency" gorm:"type:text;not null"`
	DueDate           time.Time    `json:"due_date" gorm:"not null"`
	PaidAt            *time.Time   `json:"paid_at,omitempty"`
	PaidAmount        int64        `json:"paid_amount"`
	InstallmentNumber *int         `json:"installment_number,omitempty"`
	Status            Status       `json:"status" gorm:"type:text;not null"`
	OverdueDays       int          `json:"overdue_days"`
	PenaltyAmount     int64        `json:"penalty_amount"`
	Gateway           string       `json:"gateway,omitempty"`
	GatewaySessionID  *string      `json:"gateway_session_id,omitempty"`
	CheckoutURL       string       `json:"checkout_url,omitempty"`
	Notes             string       `json:"notes,omitempty"`
	GatewayUpdatedAt  *time.Time   `json:"gateway_updated_at,omitempty"`
	Version           int64        `json:"version"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// AmountDue is the principal plus accrued penalty.
func (p *Payment) AmountDue() int64 {
	return p.Amount + p.PenaltyAmount
}

func (p *Payment) SessionID() string {
	if p.GatewaySessionID == nil {
		return ""
	}
	return *p.GatewaySessionID
}

// Collection summarises the payments of one contract.
type Collection struct {
	Total      int64
	Paid       int64
	Open       int64
	Failed     int64
	Canceled   int64
	PaidAmount int64
}

// FullyPaid reports whether every non-canceled payment of the contract is PAID.
func (c Collection) FullyPaid() bool {
	return c.Paid > 0 && c.Open == 0 && c.Failed == 0
}

type ScheduleItem struct {
	Amount  int64     `json:"amount"`
	DueDate time.Time `json:"due_date"`
}

type ScheduleRequest struct {
	ContractID snowflake.ID   `json:"contract_id"`
	Kind       Kind           `json:"kind"`
	Currency   string         `json:"currency"`
	Notes      string         `json:"notes"`
	Items      []ScheduleItem `json:"items"`
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeRejected  Outcome = "invalid_transition"
)

// TransitionResult describes the effect of one gateway event on a payment.
type TransitionResult struct {
	Outcome           Outcome
	Payment           *Payment
	From              Status
	ContractFullyPaid bool
}

type SweepResult struct {
	Scanned        int
	MarkedOverdue  int
	PenaltyUpdated int
	Conflicts      int
}

type ReconcileResult struct {
	Checked int
	Applied int
	Failed  int
}
