package metadata

import "errors"

// Domain errors for the metadata package.
var (
	// ErrTxDone is returned when a committed or discarded transaction is reused.
	ErrTxDone = errors.New("metadata: transaction already finished")

	// ErrInvalidName is returned when a plug name is empty or too long.
	ErrInvalidName = errors.New("metadata: invalid name")

	// ErrInvalidRecord is returned when a stored row cannot be decoded.
	ErrInvalidRecord = errors.New("metadata: invalid record")
)
