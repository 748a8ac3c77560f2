package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable wraps backend I/O failures. Callers may retry.
	ErrUnavailable     = errors.New("storage unavailable")
	ErrVersionNotFound = errors.New("content version not found")
)

// Backend stores immutable content versions per item. Versions start at 1
// and each write returns the next one.
type Backend interface {
	ReadVersion(ctx context.Context, itemID string, version int64) ([]byte, error)
	WriteNewVersion(ctx context.Context, itemID string, content []byte, checksum string) (int64, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
