package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/types"
)

func getMessage(tx *bbolt.Tx, id string) (*types.Message, error) {
	v := tx.Bucket(bucketMessages).Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	m, err := types.UnmarshalMessage(v)
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return m, nil
}

// putMessage writes next, replacing prev's queue entry when prev is non-nil.
func putMessage(tx *bbolt.Tx, prev, next *types.Message) error {
	if err := next.Validate(); err != nil {
		return err
	}
	buf, err := next.MarshalWire()
	if err != nil {
		return err
	}
	q := tx.Bucket(bucketMessageQueue)
	if prev != nil {
		if err := q.Delete(messageQueueKey(prev)); err != nil {
			return unavailable(err)
		}
	}
	if err := q.Put(messageQueueKey(next), []byte(next.ID)); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Bucket(bucketMessages).Put([]byte(next.ID), buf))
}

func deleteMessage(tx *bbolt.Tx, m *types.Message) error {
	if err := tx.Bucket(bucketMessageQueue).Delete(messageQueueKey(m)); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Bucket(bucketMessages).Delete([]byte(m.ID)))
}

// CreateMessage implements storage.MessageStore.
func (s *Store) CreateMessage(ctx context.Context, m *types.Message) error {
	return s.update(ctx, "create message", func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketMessages).Get([]byte(m.ID)) != nil {
			return fmt.Errorf("message %s: %w", m.ID, storage.ErrDuplicate)
		}
		return putMessage(tx, nil, m)
	})
}

// GetMessage implements storage.MessageStore.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	var m *types.Message
	err := s.view(ctx, "get message", func(tx *bbolt.Tx) error {
		var err error
		m, err = getMessage(tx, id)
		return err
	})
	return m, err
}

// UpdateMessage implements storage.MessageStore.
func (s *Store) UpdateMessage(ctx context.Context, id string, fn func(*types.Message) error) (*types.Message, error) {
	var out *types.Message
	err := s.update(ctx, "update message", func(tx *bbolt.Tx) error {
		prev, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID = prev.ID
		if err := putMessage(tx, prev, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// DeleteMessage implements storage.MessageStore.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.update(ctx, "delete message", func(tx *bbolt.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		return deleteMessage(tx, m)
	})
}

// selectMessages loads the messages matched by q in queue order. When
// unlockedOnly is set, locked records are skipped.
func selectMessages(tx *bbolt.Tx, q storage.Query, unlockedOnly bool) ([]*types.Message, error) {
	var out []*types.Message
	for _, id := range scan(tx.Bucket(bucketMessageQueue), q.Status) {
		m, err := getMessage(tx, id)
		if err != nil {
			return nil, err
		}
		if !q.Matches(m.Status, m.Username, m.DeviceID) || (unlockedOnly && m.IsLocked()) {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ListMessages implements storage.MessageStore.
func (s *Store) ListMessages(ctx context.Context, q storage.Query) ([]*types.Message, error) {
	var out []*types.Message
	err := s.view(ctx, "list messages", func(tx *bbolt.Tx) error {
		var err error
		out, err = selectMessages(tx, q, false)
		return err
	})
	return out, err
}

// ClaimMessages implements storage.MessageStore.
func (s *Store) ClaimMessages(ctx context.Context, q storage.Query, fn func(*types.Message) error) ([]*types.Message, error) {
	var out []*types.Message
	err := s.update(ctx, "claim messages", func(tx *bbolt.Tx) error {
		candidates, err := selectMessages(tx, q, true)
		if err != nil {
			return err
		}
		out = make([]*types.Message, 0, len(candidates))
		for _, prev := range candidates {
			next := prev.Clone()
			if err := fn(next); err != nil {
				return err
			}
			next.ID = prev.ID
			if err := putMessage(tx, prev, next); err != nil {
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

// UpdateMessagesByStatus implements storage.MessageStore.
func (s *Store) UpdateMessagesByStatus(ctx context.Context, status types.Status, fn func(*types.Message) error) (int, error) {
	n := 0
	err := s.update(ctx, "update messages by status", func(tx *bbolt.Tx) error {
		matched, err := selectMessages(tx, storage.Query{Status: status}, false)
		if err != nil {
			return err
		}
		for _, prev := range matched {
			next := prev.Clone()
			if err := fn(next); err != nil {
				return err
			}
			next.ID = prev.ID
			if err := putMessage(tx, prev, next); err != nil {
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
