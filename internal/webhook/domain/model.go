package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidPayload = errors.New("invalid_payload")
	ErrUnknownGateway = errors.New("unknown_gateway")
)

const (
	OutcomeApplied           = "applied"
	OutcomeDuplicate         = "duplicate"
	OutcomeStale             = "stale"
	OutcomeIgnored           = "ignored"
	OutcomeUnmatched         = "unmatched"
	OutcomeInvalidTransition = "invalid_transition"
)

// EventRecord is the stored copy of every authenticated webhook, unique per
// (gateway, event_id).
type EventRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	Gateway     string         `json:"gateway"`
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	Payload     datatypes.JSON `json:"payload"`
	Outcome     string         `json:"outcome"`
	ReceivedAt  time.Time      `json:"received_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "webhook_events" }

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, gateway, eventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome string, processedAt time.Time) error
	Prune(ctx context.Context, db *gorm.DB, before time.Time, limit int) (int64, error)
}

type Result struct {
	Gateway   string
	EventID   string
	EventType string
	Outcome   string
}

type Processor interface {
	// Ingest authenticates, parses and applies one raw webhook delivery.
	Ingest(ctx context.Context, gatewayName string, body []byte, signatureHeader string) (*Result, error)
	// Apply runs an already trusted event (webhook or reconcile) through the
	// ledger and payout orchestrator in one transaction.
	Apply(ctx context.Context, event *gateway.Event) (*Result, error)
	Prune(ctx context.Context, now time.Time) (int64, error)
}
