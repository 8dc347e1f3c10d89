// Package bolt implements storage.MessageStore on a single bbolt file.
//
// bbolt runs one writer at a time, so every claim and every assembly is a
// single Update transaction: the transaction is the lock-and-claim primitive.
//
// Layout:
//
//	messages         id → wire-encoded Message
//	message_queue    status | 255-priority | created | id → id
//	parts            id → wire-encoded MessagePart
//	part_queue       status | 255-priority | messageCreated | messageID 0x00 partNo | id → id
//	parts_by_message messageID 0x00 partNo → id
//
// Queue keys sort highest priority first, then oldest first, so a forward
// cursor over one status prefix walks records in processing order.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/types"
)

var (
	bucketMessages       = []byte("messages")
	bucketMessageQueue   = []byte("message_queue")
	bucketParts          = []byte("parts")
	bucketPartQueue      = []byte("part_queue")
	bucketPartsByMessage = []byte("parts_by_message")

	allBuckets = [][]byte{bucketMessages, bucketMessageQueue, bucketParts, bucketPartQueue, bucketPartsByMessage}
)

// Store is the bbolt-backed message store.
type Store struct {
	db *bbolt.DB
}

var _ storage.MessageStore = (*Store)(nil)

// Options tunes Open.
type Options struct {
	// Timeout bounds how long Open waits for the file lock. Zero waits forever.
	Timeout time.Duration
	// NoSync skips fsync on commit. Tests only.
	NoSync bool
}

// Open opens (or creates) the store at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("bolt store: create dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolt store: open %s: %w: %w", path, storage.ErrUnavailable, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt store: init buckets: %w: %w", storage.ErrUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ─── Transactions ────────────────────────────────────────────────────────────

// update runs fn in a write transaction. Errors returned by fn pass through
// unchanged; failures of the transaction itself are wrapped in ErrUnavailable.
func (s *Store) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		fnErr = fn(tx)
		return fnErr
	})
	return classify(op, err, fnErr)
}

func (s *Store) view(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.db.View(func(tx *bbolt.Tx) error {
		fnErr = fn(tx)
		return fnErr
	})
	return classify(op, err, fnErr)
}

func classify(op string, err, fnErr error) error {
	if err == nil {
		return nil
	}
	if fnErr != nil && err == fnErr {
		return err
	}
	return fmt.Errorf("bolt store: %s: %w: %w", op, storage.ErrUnavailable, err)
}

// unavailable marks a bucket-level failure inside a transaction.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
}

// ─── Keys ────────────────────────────────────────────────────────────────────

// sortableTime maps t onto a uint64 whose byte order matches time order.
func sortableTime(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

func queuePrefix(status types.Status, priority types.Priority, created time.Time) []byte {
	k := make([]byte, 0, 10+40)
	k = append(k, byte(status), 255-byte(priority))
	return binary.BigEndian.AppendUint64(k, sortableTime(created))
}

func messageQueueKey(m *types.Message) []byte {
	return append(queuePrefix(m.Status, m.Priority, m.Created), m.ID...)
}

func partSlot(messageID string, partNo int) []byte {
	k := make([]byte, 0, len(messageID)+5)
	k = append(k, messageID...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint32(k, uint32(partNo))
}

func partQueueKey(p *types.MessagePart) []byte {
	k := queuePrefix(p.Status, p.MessagePriority, p.MessageCreated)
	k = append(k, partSlot(p.MessageID, p.PartNo)...)
	return append(k, p.ID...)
}

// scan walks the queue bucket under one status prefix and returns the
// referenced IDs in key order.
func scan(b *bbolt.Bucket, status types.Status) []string {
	var ids []string
	prefix := []byte{byte(status)}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && k[0] == prefix[0]; k, v = c.Next() {
		ids = append(ids, string(v))
	}
	return ids
}
