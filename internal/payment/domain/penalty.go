package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// OverdueDays counts whole days elapsed since due.
func OverdueDays(due, now time.Time) int {
	if !now.After(due) {
		return 0
	}
	return int(now.Sub(due) / day)
}

// ComputePenalty returns amount × rate × min(days, capDays), rounded half away
// from zero to a whole minor unit. A non-positive cap disables accrual.
func ComputePenalty(amount int64, rate decimal.Decimal, days, capDays int) int64 {
	if days <= 0 || capDays <= 0 || amount <= 0 || !rate.IsPositive() {
		return 0
	}
	if days > capDays {
		days = capDays
	}
	return decimal.NewFromInt(amount).
		Mul(rate).
		Mul(decimal.NewFromInt(int64(days))).
		Round(0).
		IntPart()
}
