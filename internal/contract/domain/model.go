package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	StatusActive        = "ACTIVE"
	StatusFullyPaid     = "FULLY_PAID"
	StatusSettled       = "SETTLED"
	StatusPaymentFailed = "PAYMENT_FAILED"
)

var (
	ErrNotFound      = errors.New("contract_not_found")
	ErrInvalidStatus = errors.New("contract_invalid_status")
)

// Contract is the read model written by the contract service. Only Status is
// updated from here.
type Contract struct {
	ID                 snowflake.ID    `json:"id" gorm:"primaryKey"`
	PropertyID         snowflake.ID    `json:"property_id"`
	OwnerID            snowflake.ID    `json:"owner_id"`
	AgentID            snowflake.ID    `json:"agent_id"`
	CommissionRate     decimal.Decimal `json:"commission_rate" gorm:"type:numeric(9,6)"`
	Currency           string          `json:"currency"`
	Status             string          `json:"status"`
	OwnerAccountNumber string          `json:"-"`
	OwnerAccountHolder string          `json:"-"`
	OwnerRoutingCode   string          `json:"-"`
	OwnerEmail         string          `json:"-"`
	AgentAccountNumber string          `json:"-"`
	AgentAccountHolder string          `json:"-"`
	AgentRoutingCode   string          `json:"-"`
	AgentEmail         string          `json:"-"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (Contract) TableName() string { return "contracts" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Contract, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, at time.Time) (bool, error)
}

type Service interface {
	Get(ctx context.Context, id snowflake.ID) (*Contract, error)
	// UpdateStatus is a no-op when the contract already has status.
	UpdateStatus(ctx context.Context, id snowflake.ID, status string) error
}

func ValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusFullyPaid, StatusSettled, StatusPaymentFailed:
		return true
	}
	return false
}
