package contextstore

import (
	"context"
	"strings"
	"time"
)

// Key addresses one context document.
type Key struct {
	Owner string
	Type  string
}

func (k Key) String() string {
	return k.Owner + "/" + k.Type
}

// Backend persists serialized context documents and share envelopes.
//
// Write must replace the whole document atomically: a concurrent reader sees
// either the previous or the new bytes, never a mix. Read reports a document
// that was never written as found == false with a nil error.
type Backend interface {
	Write(ctx context.Context, key Key, data []byte) error
	Read(ctx context.Context, key Key) (data []byte, found bool, err error)

	// WriteShared stores an envelope under id. A positive ttl lets backends
	// with native expiry drop it; the Store enforces expiry on read regardless.
	WriteShared(ctx context.Context, id string, data []byte, ttl time.Duration) error
	ReadShared(ctx context.Context, id string) (data []byte, found bool, err error)

	Close() error
}

// validateComponent checks that a string is safe to use as a key component
// on every backend, including as a file name.
func validateComponent(s string) error {
	if s == "" {
		return ErrInvalidKey
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidKey
	}
	return nil
}

func (k Key) validate() error {
	if err := validateComponent(k.Owner); err != nil {
		return err
	}
	return validateComponent(k.Type)
}
