package model

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig = errors.New("configuration error")

	// ErrUnauthenticated is returned when an operation has no owner context.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrStoreUnavailable is returned for any transient record store failure.
	ErrStoreUnavailable = errors.New("record store unavailable")
	// ErrNotFound is returned when an operation references a record id that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord is returned for records and patches rejected before reaching the store.
	ErrInvalidRecord = errors.New("invalid robot record")
)
