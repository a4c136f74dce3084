package domain

import "github.com/smallbiznis/propertypay/internal/gateway"

var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusPaid:     {},
		StatusFailed:   {},
		StatusCanceled: {},
		StatusOverdue:  {},
	},
	StatusOverdue: {
		StatusPaid:   {},
		StatusFailed: {},
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TargetStatus maps a payment event type to the status it drives the payment to.
func TargetStatus(eventType string) (Status, bool) {
	switch eventType {
	case gateway.EventPaymentSucceeded:
		return StatusPaid, true
	case gateway.EventPaymentFailed:
		return StatusFailed, true
	case gateway.EventPaymentCanceled:
		return StatusCanceled, true
	}
	return "", false
}
