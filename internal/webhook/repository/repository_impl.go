package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, gateway, event_id, event_type, payload, outcome, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (gateway, event_id) DO NOTHING`,
		event.ID,
		event.Gateway,
		event.EventID,
		event.EventType,
		event.Payload,
		event.Outcome,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, gateway, eventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, gateway, event_id, event_type, payload, outcome, received_at, processed_at
		 FROM webhook_events
		 WHERE gateway = ? AND event_id = ?
		 LIMIT 1`,
		gateway,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET outcome = ?, processed_at = ?
		 WHERE id = ?`,
		outcome,
		processedAt,
		id,
	).Error
}

func (r *repo) Prune(ctx context.Context, db *gorm.DB, before time.Time, limit int) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM webhook_events
		 WHERE id IN (
			SELECT id FROM webhook_events
			WHERE received_at < ?
			ORDER BY id ASC
			LIMIT ?
		 )`,
		before,
		limit,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
