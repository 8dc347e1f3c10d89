// Package storage defines the backing stores behind the messaging service.
//
// The messaging service must ONLY reach persistence through these
// interfaces. Every multi-step operation documented as atomic runs inside a
// single store transaction: callers observe full success or no change.
//
// Implementations:
//   - bolt.Store: messages and parts in a bbolt file
//   - sqlite.Store: append-only archive of processed messages
package storage

import (
	"context"
	"errors"

	"github.com/snehjoshi/syncq/internal/types"
)

var (
	// ErrNotFound is returned when a message or part does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when creating a record whose ID already exists.
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrLocked is returned when a record is owned by another lock name or
	// is not in the status the operation requires.
	ErrLocked = errors.New("storage: locked")
	// ErrUnavailable wraps infrastructure failures: I/O, a closed database,
	// a failed commit. Callers may retry these.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Query selects queued records. Username and DeviceID filter only when set.
// Limit <= 0 means no limit.
type Query struct {
	Status   types.Status
	Username string
	DeviceID string
	Limit    int
}

// Matches reports whether a record owned by username/deviceID in status is
// selected by q.
func (q Query) Matches(status types.Status, username, deviceID string) bool {
	return status == q.Status &&
		(q.Username == "" || q.Username == username) &&
		(q.DeviceID == "" || q.DeviceID == deviceID)
}

// MessageStore persists messages and message parts.
//
// Queued records are returned highest priority first and, within a priority,
// oldest created first. Claim operations select only unlocked records and
// apply the caller's mutation in the same transaction, so no two callers can
// claim the same record.
//
// All methods must be safe for concurrent use.
type MessageStore interface {
	// CreateMessage stores m. Returns ErrDuplicate if the ID exists.
	CreateMessage(ctx context.Context, m *types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	// UpdateMessage applies fn to the stored message and persists the result.
	// An error from fn aborts the update and is returned unchanged.
	UpdateMessage(ctx context.Context, id string, fn func(*types.Message) error) (*types.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns the records matched by q in queue order.
	ListMessages(ctx context.Context, q Query) ([]*types.Message, error)
	// ClaimMessages applies fn to up to q.Limit unlocked messages matched by q,
	// in queue order, and returns them as updated.
	ClaimMessages(ctx context.Context, q Query, fn func(*types.Message) error) ([]*types.Message, error)
	// UpdateMessagesByStatus applies fn to every message in status and
	// returns how many were updated.
	UpdateMessagesByStatus(ctx context.Context, status types.Status, fn func(*types.Message) error) (int, error)

	// CreateMessagePart stores p. Returns ErrDuplicate if the part ID, or the
	// (message ID, part number) pair, already exists.
	CreateMessagePart(ctx context.Context, p *types.MessagePart) error
	// CreateMessageParts stores every part in one transaction, or none.
	CreateMessageParts(ctx context.Context, parts []*types.MessagePart) error
	GetMessagePart(ctx context.Context, id string) (*types.MessagePart, error)
	UpdateMessagePart(ctx context.Context, id string, fn func(*types.MessagePart) error) (*types.MessagePart, error)
	DeleteMessagePart(ctx context.Context, id string) error
	// ListMessageParts returns every stored part of messageID ordered by part number.
	ListMessageParts(ctx context.Context, messageID string) ([]*types.MessagePart, error)
	ListMessagePartsByQuery(ctx context.Context, q Query) ([]*types.MessagePart, error)
	ClaimMessageParts(ctx context.Context, q Query, fn func(*types.MessagePart) error) ([]*types.MessagePart, error)
	UpdateMessagePartsByStatus(ctx context.Context, status types.Status, fn func(*types.MessagePart) error) (int, error)

	// LockMessageParts moves every part of messageID from status from to
	// status to under lockName, in part-number order. It fails with ErrLocked
	// when any part is locked or not in from, and with ErrNotFound when the
	// message has no parts. On failure no part changes.
	LockMessageParts(ctx context.Context, messageID, lockName string, from, to types.Status) ([]*types.MessagePart, error)
	// CompleteAssembly creates m and deletes every part of m.ID in one
	// transaction. Each part must still be held by lockName (ErrLocked); an
	// existing message with m.ID yields ErrDuplicate. On failure nothing changes.
	CompleteAssembly(ctx context.Context, lockName string, m *types.Message) error

	Close() error
}

// ArchiveStore keeps immutable snapshots of messages.
type ArchiveStore interface {
	// ArchiveMessage appends a snapshot. Returns ErrDuplicate when the message
	// is already archived.
	ArchiveMessage(ctx context.Context, a *types.ArchivedMessage) error
	IsMessageArchived(ctx context.Context, id string) (bool, error)
	GetArchivedMessage(ctx context.Context, id string) (*types.ArchivedMessage, error)
	Close() error
}
