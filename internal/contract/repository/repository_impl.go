package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/contract/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Contract, error) {
	var item domain.Contract
	err := db.WithContext(ctx).Raw(
		`SELECT id, property_id, owner_id, agent_id, commission_rate, currency, status,
			owner_account_number, owner_account_holder, owner_routing_code, owner_email,
			agent_account_number, agent_account_holder, agent_routing_code, agent_email,
			created_at, updated_at
		 FROM contracts
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE contracts
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		status,
		at,
		id,
		status,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
