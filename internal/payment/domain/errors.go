package domain

import "errors"

var (
	ErrNotFound           = errors.New("payment_not_found")
	ErrInvalidContract    = errors.New("payment_invalid_contract")
	ErrInvalidKind        = errors.New("payment_invalid_kind")
	ErrInvalidAmount      = errors.New("payment_invalid_amount")
	ErrInvalidDueDate     = errors.New("payment_invalid_due_date")
	ErrInvalidCurrency    = errors.New("payment_invalid_currency")
	ErrInvalidInstallment = errors.New("payment_invalid_installment")
	ErrAlreadyScheduled   = errors.New("payment_already_scheduled")
	ErrNotPayable         = errors.New("payment_not_payable")
	ErrInvalidTransition  = errors.New("payment_invalid_transition")
	// ErrStaleTransition marks an event targeting a payment that is already terminal.
	ErrStaleTransition = errors.New("stale_transition")
	ErrVersionConflict = errors.New("payment_version_conflict")
)
