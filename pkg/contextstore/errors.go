package contextstore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrContextTooLarge is returned when a serialized document exceeds the size limit.
	ErrContextTooLarge = errors.New("context document too large")

	// ErrLockTimeout is returned when the per-key lock cannot be acquired in time.
	ErrLockTimeout = errors.New("context lock timeout")

	// ErrInvalidKey is returned when an owner or document type is unusable as a key.
	ErrInvalidKey = errors.New("invalid context key: contains path separator or traversal sequence")

	// ErrStoreClosed is returned when operations are attempted on a closed backend.
	ErrStoreClosed = errors.New("context store is closed")
)

// TooLargeError reports a rejected write together with its size and the limit.
type TooLargeError struct {
	Key   Key
	Size  int
	Limit int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("context %s is %d bytes, limit is %d", e.Key, e.Size, e.Limit)
}

func (e *TooLargeError) Unwrap() error { return ErrContextTooLarge }

// LockTimeoutError reports which key could not be locked.
type LockTimeoutError struct {
	Key     Key
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not lock context %s within %s", e.Key, e.Timeout)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }
