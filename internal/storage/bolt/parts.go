package bolt

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/types"
)

func getPart(tx *bbolt.Tx, id string) (*types.MessagePart, error) {
	v := tx.Bucket(bucketParts).Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("message part %s: %w", id, storage.ErrNotFound)
	}
	p, err := types.UnmarshalMessagePart(v)
	if err != nil {
		return nil, fmt.Errorf("decode message part %s: %w", id, err)
	}
	return p, nil
}

func putPart(tx *bbolt.Tx, prev, next *types.MessagePart) error {
	if err := next.Validate(); err != nil {
		return err
	}
	buf, err := next.MarshalWire()
	if err != nil {
		return err
	}
	q := tx.Bucket(bucketPartQueue)
	if prev != nil {
		if err := q.Delete(partQueueKey(prev)); err != nil {
			return unavailable(err)
		}
	}
	if err := q.Put(partQueueKey(next), []byte(next.ID)); err != nil {
		return unavailable(err)
	}
	if err := tx.Bucket(bucketPartsByMessage).Put(partSlot(next.MessageID, next.PartNo), []byte(next.ID)); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Bucket(bucketParts).Put([]byte(next.ID), buf))
}

func deletePart(tx *bbolt.Tx, p *types.MessagePart) error {
	if err := tx.Bucket(bucketPartQueue).Delete(partQueueKey(p)); err != nil {
		return unavailable(err)
	}
	if err := tx.Bucket(bucketPartsByMessage).Delete(partSlot(p.MessageID, p.PartNo)); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Bucket(bucketParts).Delete([]byte(p.ID)))
}

// partsOf returns every part of messageID ordered by part number.
func partsOf(tx *bbolt.Tx, messageID string) ([]*types.MessagePart, error) {
	prefix := append([]byte(messageID), 0)
	var ids []string
	c := tx.Bucket(bucketPartsByMessage).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ids = append(ids, string(v))
	}
	parts := make([]*types.MessagePart, 0, len(ids))
	for _, id := range ids {
		p, err := getPart(tx, id)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func createPart(tx *bbolt.Tx, p *types.MessagePart) error {
	if tx.Bucket(bucketParts).Get([]byte(p.ID)) != nil {
		return fmt.Errorf("message part %s: %w", p.ID, storage.ErrDuplicate)
	}
	if tx.Bucket(bucketPartsByMessage).Get(partSlot(p.MessageID, p.PartNo)) != nil {
		return fmt.Errorf("message %s part %d: %w", p.MessageID, p.PartNo, storage.ErrDuplicate)
	}
	return putPart(tx, nil, p)
}

// CreateMessagePart implements storage.MessageStore.
func (s *Store) CreateMessagePart(ctx context.Context, p *types.MessagePart) error {
	return s.update(ctx, "create message part", func(tx *bbolt.Tx) error {
		return createPart(tx, p)
	})
}

// CreateMessageParts implements storage.MessageStore.
func (s *Store) CreateMessageParts(ctx context.Context, parts []*types.MessagePart) error {
	return s.update(ctx, "create message parts", func(tx *bbolt.Tx) error {
		for _, p := range parts {
			if err := createPart(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMessagePart implements storage.MessageStore.
func (s *Store) GetMessagePart(ctx context.Context, id string) (*types.MessagePart, error) {
	var p *types.MessagePart
	err := s.view(ctx, "get message part", func(tx *bbolt.Tx) error {
		var err error
		p, err = getPart(tx, id)
		return err
	})
	return p, err
}

// UpdateMessagePart implements storage.MessageStore. Part number and parent
// message ID are fixed once stored.
func (s *Store) UpdateMessagePart(ctx context.Context, id string, fn func(*types.MessagePart) error) (*types.MessagePart, error) {
	var out *types.MessagePart
	err := s.update(ctx, "update message part", func(tx *bbolt.Tx) error {
		prev, err := getPart(tx, id)
		if err != nil {
			return err
		}
		next, err := applyPart(prev, fn)
		if err != nil {
			return err
		}
		if err := putPart(tx, prev, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func applyPart(prev *types.MessagePart, fn func(*types.MessagePart) error) (*types.MessagePart, error) {
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.MessageID, next.PartNo = prev.ID, prev.MessageID, prev.PartNo
	return next, nil
}

// DeleteMessagePart implements storage.MessageStore.
func (s *Store) DeleteMessagePart(ctx context.Context, id string) error {
	return s.update(ctx, "delete message part", func(tx *bbolt.Tx) error {
		p, err := getPart(tx, id)
		if err != nil {
			return err
		}
		return deletePart(tx, p)
	})
}

// ListMessageParts implements storage.MessageStore.
func (s *Store) ListMessageParts(ctx context.Context, messageID string) ([]*types.MessagePart, error) {
	var out []*types.MessagePart
	err := s.view(ctx, "list message parts", func(tx *bbolt.Tx) error {
		var err error
		out, err = partsOf(tx, messageID)
		return err
	})
	return out, err
}

func selectParts(tx *bbolt.Tx, q storage.Query, unlockedOnly bool) ([]*types.MessagePart, error) {
	var out []*types.MessagePart
	for _, id := range scan(tx.Bucket(bucketPartQueue), q.Status) {
		p, err := getPart(tx, id)
		if err != nil {
			return nil, err
		}
		if !q.Matches(p.Status, p.MessageUsername, p.MessageDeviceID) || (unlockedOnly && p.IsLocked()) {
			continue
		}
		out = append(out, p)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ListMessagePartsByQuery implements storage.MessageStore.
func (s *Store) ListMessagePartsByQuery(ctx context.Context, q storage.Query) ([]*types.MessagePart, error) {
	var out []*types.MessagePart
	err := s.view(ctx, "list message parts", func(tx *bbolt.Tx) error {
		var err error
		out, err = selectParts(tx, q, false)
		return err
	})
	return out, err
}

// ClaimMessageParts implements storage.MessageStore.
func (s *Store) ClaimMessageParts(ctx context.Context, q storage.Query, fn func(*types.MessagePart) error) ([]*types.MessagePart, error) {
	var out []*types.MessagePart
	err := s.update(ctx, "claim message parts", func(tx *bbolt.Tx) error {
		candidates, err := selectParts(tx, q, true)
		if err != nil {
			return err
		}
		out = make([]*types.MessagePart, 0, len(candidates))
		for _, prev := range candidates {
			next, err := applyPart(prev, fn)
			if err != nil {
				return err
			}
			if err := putPart(tx, prev, next); err != nil {
				return err
			}
			out = append(out, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMessagePartsByStatus implements storage.MessageStore.
func (s *Store) UpdateMessagePartsByStatus(ctx context.Context, status types.Status, fn func(*types.MessagePart) error) (int, error) {
	n := 0
	err := s.update(ctx, "update message parts by status", func(tx *bbolt.Tx) error {
		matched, err := selectParts(tx, storage.Query{Status: status}, false)
		if err != nil {
			return err
		}
		for _, prev := range matched {
			next, err := applyPart(prev, fn)
			if err != nil {
				return err
			}
			if err := putPart(tx, prev, next); err != nil {
				return err
			}
		}
		n = len(matched)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ─── Assembly ────────────────────────────────────────────────────────────────

// LockMessageParts implements storage.MessageStore.
func (s *Store) LockMessageParts(ctx context.Context, messageID, lockName string, from, to types.Status) ([]*types.MessagePart, error) {
	var out []*types.MessagePart
	err := s.update(ctx, "lock message parts", func(tx *bbolt.Tx) error {
		parts, err := partsOf(tx, messageID)
		if err != nil {
			return err
		}
		if len(parts) == 0 {
			return fmt.Errorf("parts of message %s: %w", messageID, storage.ErrNotFound)
		}
		for _, p := range parts {
			if p.IsLocked() || p.Status != from {
				return fmt.Errorf("message %s part %d is %s (lock %q): %w", messageID, p.PartNo, p.Status, p.LockName, storage.ErrLocked)
			}
		}
		out = make([]*types.MessagePart, 0, len(parts))
		for _, prev := range parts {
			next := prev.Clone()
			next.Status, next.LockName = to, lockName
			if err := putPart(tx, prev, next); err != nil {
				return err
			}
			out = append(out, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteAssembly implements storage.MessageStore.
func (s *Store) CompleteAssembly(ctx context.Context, lockName string, m *types.Message) error {
	return s.update(ctx, "complete assembly", func(tx *bbolt.Tx) error {
		parts, err := partsOf(tx, m.ID)
		if err != nil {
			return err
		}
		if len(parts) == 0 {
			return fmt.Errorf("parts of message %s: %w", m.ID, storage.ErrNotFound)
		}
		for _, p := range parts {
			if p.LockName != lockName {
				return fmt.Errorf("message %s part %d held by %q: %w", m.ID, p.PartNo, p.LockName, storage.ErrLocked)
			}
		}
		if tx.Bucket(bucketMessages).Get([]byte(m.ID)) != nil {
			return fmt.Errorf("message %s: %w", m.ID, storage.ErrDuplicate)
		}
		if err := putMessage(tx, nil, m); err != nil {
			return err
		}
		for _, p := range parts {
			if err := deletePart(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}
