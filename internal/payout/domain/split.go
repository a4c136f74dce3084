package domain

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
)

type Split struct {
	Collected  int64
	Commission int64
	Fee        int64
	Net        int64
}

// ComputeSplit divides collected money between the agent (commission) and the
// owner (net). Commission is rounded half away from zero to a minor unit.
func ComputeSplit(collected int64, commissionRate decimal.Decimal, platformFee int64) (Split, error) {
	if collected < 0 || commissionRate.IsNegative() || platformFee < 0 {
		return Split{}, ErrNegativeSplit
	}
	commission := decimal.NewFromInt(collected).Mul(commissionRate).Round(0).IntPart()
	net := collected - commission - platformFee
	split := Split{
		Collected:  collected,
		Commission: commission,
		Fee:        platformFee,
		Net:        net,
	}
	if net < 0 {
		return split, ErrNegativeSplit
	}
	return split, nil
}

// NextAttemptDelay returns the wait before retry number retryCount (1-based):
// base doubling per retry, capped at max.
func NextAttemptDelay(retryCount int, base, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := base
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay > max {
		delay = max
	}
	return delay
}
