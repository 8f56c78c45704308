// Copyright 2025 OTC Protocol
//
// Sentinel errors for the persistence layer

package database

import "errors"

var (
	// ErrDealNotFound is returned when a deal id does not exist
	ErrDealNotFound = errors.New("deal not found")

	// ErrDepositNotFound is returned when a deposit record does not exist
	ErrDepositNotFound = errors.New("deposit not found")

	// ErrQueueItemNotFound is returned when a queue item id does not exist
	ErrQueueItemNotFound = errors.New("queue item not found")

	// ErrGasRefundNotFound is returned when a gas refund row does not exist
	ErrGasRefundNotFound = errors.New("gas refund not found")

	// ErrLeaseHeld is returned when a lease acquisition loses the race
	ErrLeaseHeld = errors.New("lease held by another holder")

	// ErrInvalidTransition is returned on a stage transition outside the
	// allowed graph
	ErrInvalidTransition = errors.New("invalid stage transition")
)
