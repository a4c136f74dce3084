package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"gorm.io/gorm"
)

type Repository interface {
	InsertSettlement(ctx context.Context, db *gorm.DB, s *Settlement) (bool, error)
	FindSettlementByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) (*Settlement, error)
	FindSettlementByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Settlement, error)
	UpdateSettlementStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to SettlementStatus, at time.Time) (bool, error)

	InsertLeg(ctx context.Context, db *gorm.DB, leg *PayoutRequest) (bool, error)
	FindLegByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PayoutRequest, error)
	FindLegByGatewayPayout(ctx context.Context, db *gorm.DB, gatewayName, payoutID string) (*PayoutRequest, error)
	ListLegsBySettlement(ctx context.Context, db *gorm.DB, settlementID snowflake.ID) ([]PayoutRequest, error)
	ListLegsByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]PayoutRequest, error)
	ListDispatchable(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]PayoutRequest, error)
	ListReconcileCandidates(ctx context.Context, db *gorm.DB, before time.Time, afterID snowflake.ID, limit int) ([]PayoutRequest, error)
	// ListUnsettledContracts returns fully paid contracts that have no settlement row.
	ListUnsettledContracts(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]UnsettledContract, error)
	// UpdateLeg is a compare-and-swap on version.
	UpdateLeg(ctx context.Context, db *gorm.DB, leg *PayoutRequest, expectedVersion int64) (bool, error)
}

type UnsettledContract struct {
	ContractID      snowflake.ID
	SourcePaymentID snowflake.ID
}

type Service interface {
	// Settle prepares the settlement and its legs inside tx. Gateway calls are
	// left to Dispatch after the transaction commits.
	Settle(ctx context.Context, tx *gorm.DB, contractID, sourcePaymentID snowflake.ID) (*SettleResult, error)
	// AfterSettle runs the post-commit side effects of a settle: queueing legs
	// for dispatch, alerts for blocked settlements and statistics.
	AfterSettle(ctx context.Context, result *SettleResult)
	Dispatch(ctx context.Context, legID snowflake.ID) (DispatchOutcome, error)
	ApplyGatewayEvent(ctx context.Context, tx *gorm.DB, event *gateway.Event) (*LegTransition, error)
	AfterTransition(ctx context.Context, result *LegTransition)
	Retry(ctx context.Context, legID snowflake.ID) (*PayoutRequest, error)
	ResumePending(ctx context.Context, now time.Time, batchSize int) (ResumeResult, error)
	Reconcile(ctx context.Context, now time.Time, batchSize int, apply func(ctx context.Context, event *gateway.Event) error) (ReconcileResult, error)
	ListByContract(ctx context.Context, contractID snowflake.ID) ([]PayoutRequest, error)
	GetSettlement(ctx context.Context, contractID snowflake.ID) (*Settlement, error)
}
