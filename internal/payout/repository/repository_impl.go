package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/payout/domain"
	"gorm.io/gorm"
)

const settlementColumns = `id, contract_id, source_payment_id, currency, collected_amount,
	commission_amount, platform_fee, net_amount, status, failure_reason, created_at, updated_at`

const legColumns = `id, settlement_id, source_payment_id, contract_id, recipient_role, recipient_id,
	amount, currency, gateway, gateway_payout_id, status, attempt, retry_count, next_attempt_at,
	failure_reason, gateway_updated_at, version, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertSettlement(ctx context.Context, db *gorm.DB, s *domain.Settlement) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO settlements (`+settlementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (contract_id) DO NOTHING`,
		s.ID,
		s.ContractID,
		s.SourcePaymentID,
		s.Currency,
		s.CollectedAmount,
		s.CommissionAmount,
		s.PlatformFee,
		s.NetAmount,
		s.Status,
		s.FailureReason,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindSettlementByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) (*domain.Settlement, error) {
	var item domain.Settlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+settlementColumns+`
		 FROM settlements
		 WHERE contract_id = ?
		 LIMIT 1`,
		contractID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindSettlementByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Settlement, error) {
	var item domain.Settlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+settlementColumns+`
		 FROM settlements
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

func (r *repo) UpdateSettlementStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.SettlementStatus, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE settlements
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertLeg(ctx context.Context, db *gorm.DB, leg *domain.PayoutRequest) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payout_requests (`+legColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_payment_id, recipient_role) DO NOTHING`,
		leg.ID,
		leg.SettlementID,
		leg.SourcePaymentID,
		leg.ContractID,
		leg.RecipientRole,
		leg.RecipientID,
		leg.Amount,
		leg.Currency,
		leg.Gateway,
		leg.GatewayPayoutID,
		leg.Status,
		leg.Attempt,
		leg.RetryCount,
		leg.NextAttemptAt,
		leg.FailureReason,
		leg.GatewayUpdatedAt,
		leg.Version,
		leg.CreatedAt,
		leg.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindLegByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PayoutRequest, error) {
	var item domain.PayoutRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+legColumns+`
		 FROM payout_requests
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

func (r *repo) FindLegByGatewayPayout(ctx context.Context, db *gorm.DB, gatewayName, payoutID string) (*domain.PayoutRequest, error) {
	var item domain.PayoutRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+legColumns+`
		 FROM payout_requests
		 WHERE gateway = ? AND gateway_payout_id = ?
		 LIMIT 1`,
		gatewayName,
		payoutID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListLegsBySettlement(ctx context.Context, db *gorm.DB, settlementID snowflake.ID) ([]domain.PayoutRequest, error) {
	var items []domain.PayoutRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+legColumns+`
		 FROM payout_requests
		 WHERE settlement_id = ?
		 ORDER BY recipient_role ASC`,
		settlementID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListLegsByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]domain.PayoutRequest, error) {
	var items []domain.PayoutRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+legColumns+`
		 FROM payout_requests
		 WHERE contract_id = ?
		 ORDER BY recipient_role ASC`,
		contractID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListDispatchable(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]domain.PayoutRequest, error) {
	var items []domain.PayoutRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+legColumns+`
		 FROM payout_requests
		 WHERE status = 'CREATED'
		   AND gateway_payout_id IS NULL
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
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

func (r *repo) ListReconcileCandidates(ctx context.Context, db *gorm.DB, before time.Time, afterID snowflake.ID, limit int) ([]domain.PayoutRequest, error) {
	var items []domain.PayoutRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+legColumns+`
		 FROM payout_requests
		 WHERE status = 'CREATED'
		   AND gateway_payout_id IS NOT NULL
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

func (r *repo) ListUnsettledContracts(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.UnsettledContract, error) {
	var items []domain.UnsettledContract
	err := db.WithContext(ctx).Raw(
		`SELECT p.contract_id AS contract_id, MAX(p.id) AS source_payment_id
		 FROM payments p
		 WHERE p.contract_id > ?
		   AND NOT EXISTS (SELECT 1 FROM settlements s WHERE s.contract_id = p.contract_id)
		 GROUP BY p.contract_id
		 HAVING SUM(CASE WHEN p.status IN ('PENDING', 'OVERDUE', 'FAILED') THEN 1 ELSE 0 END) = 0
		    AND SUM(CASE WHEN p.status = 'PAID' THEN 1 ELSE 0 END) > 0
		 ORDER BY p.contract_id ASC
		 LIMIT ?`,
		afterID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateLeg(ctx context.Context, db *gorm.DB, leg *domain.PayoutRequest, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payout_requests
		 SET gateway_payout_id = ?,
			status = ?,
			attempt = ?,
			retry_count = ?,
			next_attempt_at = ?,
			failure_reason = ?,
			gateway_updated_at = ?,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		leg.GatewayPayoutID,
		leg.Status,
		leg.Attempt,
		leg.RetryCount,
		leg.NextAttemptAt,
		leg.FailureReason,
		leg.GatewayUpdatedAt,
		leg.UpdatedAt,
		leg.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	leg.Version = expectedVersion + 1
	return true, nil
}
