package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Role string

const (
	RoleOwner Role = "OWNER"
	RoleAgent Role = "AGENT"
)

type Status string

const (
	StatusCreated Status = "CREATED"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementCompleted SettlementStatus = "COMPLETED"
	SettlementBlocked   SettlementStatus = "BLOCKED"
)

// Settlement is the single split decision for a contract.
type Settlement struct {
	ID               snowflake.ID     `json:"id" gorm:"primaryKey"`
	ContractID       snowflake.ID     `json:"contract_id"`
	SourcePaymentID  snowflake.ID     `json:"source_payment_id"`
	Currency         string           `json:"currency"`
	CollectedAmount  int64            `json:"collected_amount"`
	CommissionAmount int64            `json:"commission_amount"`
	PlatformFee      int64            `json:"platform_fee"`
	NetAmount        int64            `json:"net_amount"`
	Status           SettlementStatus `json:"status"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (Settlement) TableName() string { return "settlements" }

// PayoutRequest is one leg of a settlement, paid to a single recipient.
type PayoutRequest struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	SettlementID     snowflake.ID `json:"settlement_id"`
	SourcePaymentID  snowflake.ID `json:"source_payment_id"`
	ContractID       snowflake.ID `json:"contract_id"`
	RecipientRole    Role         `json:"recipient_role"`
	RecipientID      snowflake.ID `json:"recipient_id"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	Gateway          string       `json:"gateway"`
	GatewayPayoutID  *string      `json:"gateway_payout_id,omitempty"`
	Status           Status       `json:"status"`
	Attempt          int          `json:"attempt"`
	RetryCount       int          `json:"retry_count"`
	NextAttemptAt    *time.Time   `json:"next_attempt_at,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	GatewayUpdatedAt *time.Time   `json:"gateway_updated_at,omitempty"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (PayoutRequest) TableName() string { return "payout_requests" }

func (p *PayoutRequest) PayoutID() string {
	if p.GatewayPayoutID == nil {
		return ""
	}
	return *p.GatewayPayoutID
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
)

// SettleResult is what Settle prepared inside the caller's transaction.
type SettleResult struct {
	Settlement *Settlement
	Legs       []PayoutRequest
	// Created is false when the contract had already been settled.
	Created bool
}

type LegTransition struct {
	Outcome             Outcome
	Leg                 *PayoutRequest
	SettlementCompleted bool
	ContractSettled     bool
}

type DispatchOutcome string

const (
	DispatchSent     DispatchOutcome = "sent"
	DispatchSkipped  DispatchOutcome = "skipped"
	DispatchDeferred DispatchOutcome = "deferred"
	DispatchFailed   DispatchOutcome = "failed"
)

type ResumeResult struct {
	Dispatched int
	Deferred   int
	Failed     int
	Settled    int
}

type ReconcileResult struct {
	Checked int
	Applied int
	Failed  int
}
