package applier

import "errors"

// Domain errors. Any of these marks the processing record failed instead of
// aborting the batch.
var (
	// ErrInvalidStateTransition is returned when a status update is not in
	// the pool state machine's adjacency set.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDecode is returned when topics or data do not match the ABI layout.
	ErrDecode = errors.New("decode event data")

	// ErrUnknownEntity is returned when an event references a pool, pair or
	// prior effect that does not exist.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrEntityExists is returned when a creation event collides with an
	// existing pool or pair.
	ErrEntityExists = errors.New("entity already exists")
)

// IsDomainError reports whether err is a per-event domain rejection.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrUnknownEntity) ||
		errors.Is(err, ErrEntityExists)
}
