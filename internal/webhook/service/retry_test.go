package service

import (
	"errors"
	"fmt"
	"testing"

	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/propertypay/internal/payout/domain"
	"github.com/smallbiznis/propertypay/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
)

func TestRetryableApplyErr(t *testing.T) {
	assert.True(t, retryableApplyErr(fmt.Errorf("apply: %w", paymentdomain.ErrVersionConflict)))
	assert.True(t, retryableApplyErr(payoutdomain.ErrVersionConflict))
	assert.True(t, retryableApplyErr(errors.New("database is locked")))
	assert.False(t, retryableApplyErr(domain.ErrInvalidPayload))
	assert.False(t, retryableApplyErr(errors.New("connection refused")))
}
