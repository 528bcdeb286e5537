package errors

import "errors"

var (
	ErrNilTransaction          = errors.New("transaction is nil")
	ErrInvalidTransactionKind  = errors.New("invalid transaction kind")
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrCorrelationTokenTaken   = errors.New("correlation token already in use")
	ErrUnresolvedCorrelation   = errors.New("correlation token not found")
	ErrMalformedEvent          = errors.New("malformed provider event")
	ErrStaleWrite              = errors.New("stale write: state changed concurrently")
	ErrProviderUnavailable     = errors.New("provider query failed")
	ErrNotPollable             = errors.New("transaction not eligible for unauthenticated polling")
	ErrInvalidInput            = errors.New("invalid input")
)
