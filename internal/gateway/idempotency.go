package gateway

import "fmt"

// PaymentKey is the idempotency key for a payment session.
func PaymentKey(paymentID int64) string {
	return fmt.Sprintf("payment:%d", paymentID)
}

// RepricedPaymentKey is the idempotency key for a session reopened after the
// amount due changed.
func RepricedPaymentKey(paymentID, amountDue int64) string {
	return fmt.Sprintf("payment:%d:%d", paymentID, amountDue)
}

// PayoutKey is the idempotency key for one payout leg generation.
func PayoutKey(paymentID int64, role string, attempt int) string {
	return fmt.Sprintf("payout:%d:%s:%d", paymentID, role, attempt)
}
