package domain

import "errors"

var (
	ErrNotFound = errors.New("payout_not_found")
	// ErrNegativeSplit means commission and fees exceed the collected amount.
	ErrNegativeSplit      = errors.New("negative_split")
	ErrNotFullyPaid       = errors.New("contract_not_fully_paid")
	ErrNotRetryable       = errors.New("payout_not_retryable")
	ErrSettlementBlocked  = errors.New("settlement_blocked")
	ErrMissingDestination = errors.New("payout_missing_destination")
	ErrVersionConflict    = errors.New("payout_version_conflict")
)
