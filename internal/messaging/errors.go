package messaging

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/types"
)

// ─── Error sentinels ─────────────────────────────────────────────────────────

var (
	// ErrInvalidArgument marks caller-correctable input errors. Never retried.
	ErrInvalidArgument = errors.New("messaging: invalid argument")

	ErrMessageNotFound     = errors.New("messaging: message not found")
	ErrMessagePartNotFound = errors.New("messaging: message part not found")

	ErrDuplicateMessage     = errors.New("messaging: duplicate message")
	ErrDuplicateMessagePart = errors.New("messaging: duplicate message part")

	// ErrLockMismatch is returned when a worker releases a record it does not own.
	ErrLockMismatch = errors.New("messaging: record locked by another owner")

	// ErrServiceUnavailable marks infrastructure failures worth retrying.
	ErrServiceUnavailable = errors.New("messaging: service unavailable")

	// ErrMessageAssembly means the part set could not be assembled yet. The
	// parts stay queued.
	ErrMessageAssembly = errors.New("messaging: message assembly failed")

	// ErrNoHandler is returned when a message type has no registered handler.
	ErrNoHandler = errors.New("messaging: no handler for message type")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// mapErr translates store and entity errors into the service taxonomy.
// notFound and duplicate select the message or part flavour.
func mapErr(err, notFound, duplicate error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", notFound, err)
	case errors.Is(err, storage.ErrDuplicate):
		return fmt.Errorf("%w: %w", duplicate, err)
	case errors.Is(err, types.ErrInvalidMessage), errors.Is(err, types.ErrInvalidTransition):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return err
}

func messageErr(err error) error { return mapErr(err, ErrMessageNotFound, ErrDuplicateMessage) }

func partErr(err error) error { return mapErr(err, ErrMessagePartNotFound, ErrDuplicateMessagePart) }
