package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/payment/domain"
	"gorm.io/gorm"
)

const paymentColumns = `id, contract_id, kind, amount, currency, due_date, paid_at, paid_amount,
	installment_number, status, overdue_days, penalty_amount, gateway, gateway_session_id,
	checkout_url, notes, gateway_updated_at, version, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.ContractID,
		p.Kind,
		p.Amount,
		p.Currency,
		p.DueDate,
		p.PaidAt,
		p.PaidAmount,
		p.InstallmentNumber,
		p.Status,
		p.OverdueDays,
		p.PenaltyAmount,
		p.Gateway,
		p.GatewaySessionID,
		p.CheckoutURL,
		p.Notes,
		p.GatewayUpdatedAt,
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
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

func (r *repo) FindByGatewaySession(ctx context.Context, db *gorm.DB, gatewayName, sessionID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE gateway = ? AND gateway_session_id = ?
		 LIMIT 1`,
		gatewayName,
		sessionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE contract_id = ?
		 ORDER BY due_date ASC, id ASC`,
		contractID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE contract_id = ?`,
		contractID,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) Collection(ctx context.Context, db *gorm.DB, contractID snowflake.ID) (domain.Collection, error) {
	var out domain.Collection
	err := db.WithContext(ctx).Raw(
		`SELECT
			COUNT(1) AS total,
			COALESCE(SUM(CASE WHEN status = 'PAID' THEN 1 ELSE 0 END), 0) AS paid,
			COALESCE(SUM(CASE WHEN status IN ('PENDING', 'OVERDUE') THEN 1 ELSE 0 END), 0) AS open,
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'CANCELED' THEN 1 ELSE 0 END), 0) AS canceled,
			COALESCE(SUM(CASE WHEN status = 'PAID' THEN paid_amount ELSE 0 END), 0) AS paid_amount
		 FROM payments
		 WHERE contract_id = ?`,
		contractID,
	).Scan(&out).Error
	if err != nil {
		return domain.Collection{}, err
	}
	return out, nil
}

func (r *repo) ListOverdueCandidates(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status IN ('PENDING', 'OVERDUE')
		   AND due_date < ?
		   AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		now,
		afterID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListReconcileCandidates(ctx context.Context, db *gorm.DB, before time.Time, afterID snowflake.ID, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status IN ('PENDING', 'OVERDUE')
		   AND gateway_session_id IS NOT NULL
		   AND updated_at < ?
		   AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		before,
		afterID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, p *domain.Payment, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?,
			paid_at = ?,
			paid_amount = ?,
			overdue_days = ?,
			penalty_amount = ?,
			gateway = ?,
			gateway_session_id = ?,
			checkout_url = ?,
			notes = ?,
			gateway_updated_at = ?,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		p.Status,
		p.PaidAt,
		p.PaidAmount,
		p.OverdueDays,
		p.PenaltyAmount,
		p.Gateway,
		p.GatewaySessionID,
		p.CheckoutURL,
		p.Notes,
		p.GatewayUpdatedAt,
		p.UpdatedAt,
		p.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	p.Version = expectedVersion + 1
	return true, nil
}
