package lock

import "errors"

// User-visible error kinds. Conditional-write failures from the backend are
// handled internally and never surface through the coordinator API.
var (
	// ErrLockNotGranted is returned when a lock could not be acquired:
	// the handle is already held locally or the retry budget ran out.
	ErrLockNotGranted = errors.New("lock not granted")

	// ErrInvalidOptions is returned when lock options fail validation
	// before any backend call is made.
	ErrInvalidOptions = errors.New("invalid lock options")
)
