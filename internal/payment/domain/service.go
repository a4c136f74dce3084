package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, p *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByGatewaySession(ctx context.Context, db *gorm.DB, gatewayName, sessionID string) (*Payment, error)
	ListByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]Payment, error)
	CountByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) (int64, error)
	Collection(ctx context.Context, db *gorm.DB, contractID snowflake.ID) (Collection, error)
	ListOverdueCandidates(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]Payment, error)
	ListReconcileCandidates(ctx context.Context, db *gorm.DB, before time.Time, afterID snowflake.ID, limit int) ([]Payment, error)
	// UpdateState writes the mutable columns if the stored version still equals
	// expectedVersion. It reports false on a version conflict.
	UpdateState(ctx context.Context, db *gorm.DB, p *Payment, expectedVersion int64) (bool, error)
}

// EventApplier feeds a gateway event through the same path webhooks take.
type EventApplier func(ctx context.Context, event *gateway.Event) error

type Service interface {
	Schedule(ctx context.Context, req ScheduleRequest) ([]Payment, error)
	OpenSession(ctx context.Context, id snowflake.ID) (*Payment, error)
	Get(ctx context.Context, id snowflake.ID) (*Payment, error)
	ListByContract(ctx context.Context, contractID snowflake.ID) ([]Payment, error)
	// ApplyGatewayEvent must run inside tx; it never touches other connections.
	ApplyGatewayEvent(ctx context.Context, tx *gorm.DB, event *gateway.Event) (*TransitionResult, error)
	SweepOverdue(ctx context.Context, now time.Time, batchSize int) (SweepResult, error)
	Reconcile(ctx context.Context, now time.Time, batchSize int, apply EventApplier) (ReconcileResult, error)
}
