package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/snehjoshi/syncq/internal/assembly"
	"github.com/snehjoshi/syncq/internal/metrics"
	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/types"
)

// ─── Message parts ───────────────────────────────────────────────────────────

// QueueMessagePartForAssembly stores p in QUEUED_FOR_ASSEMBLY whether or not
// its siblings have arrived. The parent type must accept assembly.
func (s *Service) QueueMessagePartForAssembly(ctx context.Context, p *types.MessagePart) error {
	if p == nil {
		return invalid("message part is required")
	}
	if !s.CanQueueMessagePartForAssembly(p) {
		return invalid("message type %q cannot be assembled", p.MessageTypeID)
	}
	if s.registry.Capabilities(p.MessageTypeID).Secure && !p.MessageIsEncrypted() {
		return invalid("message type %q requires an encrypted payload", p.MessageTypeID)
	}
	c := p.Clone()
	c.Status = types.StatusQueuedForAssembly
	c.LockName = ""
	if err := c.Validate(); err != nil {
		return partErr(err)
	}
	if err := s.store.CreateMessagePart(ctx, c); err != nil {
		return partErr(err)
	}
	s.log.Debug("message part queued for assembly",
		"message_id", c.MessageID, "part_no", c.PartNo, "total_parts", c.TotalParts)
	return nil
}

// AllMessagePartsForMessageQueuedForAssembly reports whether exactly the part
// numbers 1..totalParts of messageID are waiting for assembly.
func (s *Service) AllMessagePartsForMessageQueuedForAssembly(ctx context.Context, messageID string, totalParts int) (bool, error) {
	if messageID == "" || totalParts < 1 {
		return false, invalid("message id and a positive part count are required")
	}
	parts, err := s.store.ListMessageParts(ctx, messageID)
	if err != nil {
		return false, partErr(err)
	}
	queued := parts[:0]
	for _, p := range parts {
		if p.Status == types.StatusQueuedForAssembly && !p.IsLocked() {
			queued = append(queued, p)
		}
	}
	return assembly.Complete(queued, totalParts), nil
}

// AssembleMessage claims every part of messageID for lockName, rebuilds the
// message and stores it in QUEUED_FOR_PROCESSING while deleting the parts.
// The message appears and the parts vanish in one store transaction.
//
// An incomplete, inconsistent or already claimed part set fails with
// ErrMessageAssembly; parts this call claimed are released back to the
// assembly queue.
func (s *Service) AssembleMessage(ctx context.Context, messageID string, totalParts int, lockName string) (*types.Message, error) {
	if messageID == "" || lockName == "" || totalParts < 1 {
		return nil, invalid("message id, lock name and a positive part count are required")
	}

	parts, err := s.store.LockMessageParts(ctx, messageID, lockName,
		types.StatusQueuedForAssembly, types.StatusAssembling)
	switch {
	case errors.Is(err, storage.ErrLocked), errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: message %s: %w", ErrMessageAssembly, messageID, err)
	case err != nil:
		return nil, partErr(err)
	}

	m, err := assembly.Assemble(parts, totalParts)
	if err != nil {
		s.releaseParts(ctx, parts, lockName)
		return nil, fmt.Errorf("%w: %w", ErrMessageAssembly, err)
	}
	m.Status = types.StatusQueuedForProcessing

	if err := s.store.CompleteAssembly(ctx, lockName, m); err != nil {
		s.releaseParts(ctx, parts, lockName)
		if errors.Is(err, storage.ErrLocked) {
			return nil, fmt.Errorf("%w: message %s: %w", ErrMessageAssembly, messageID, err)
		}
		return nil, messageErr(err)
	}

	s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Assembled }, m.TypeID)
	s.log.Info("message assembled", "message_id", m.ID, "type", m.TypeID,
		"total_parts", totalParts, "lock_name", lockName)
	return m, nil
}

// releaseParts returns parts still held by lockName to the assembly queue.
// Failures are logged; a later lock-reset sweep recovers what is left.
func (s *Service) releaseParts(ctx context.Context, parts []*types.MessagePart, lockName string) {
	for _, p := range parts {
		_, err := s.store.UpdateMessagePart(ctx, p.ID, func(p *types.MessagePart) error {
			if p.LockName != lockName {
				return fmt.Errorf("%w: part %s is held by %q", ErrLockMismatch, p.ID, p.LockName)
			}
			p.Status = types.StatusQueuedForAssembly
			p.LockName = ""
			return nil
		})
		if err != nil {
			s.log.Warn("release message part", "part_id", p.ID, "message_id", p.MessageID,
				"lock_name", lockName, "error", err)
		}
	}
}

// ReceiveMessagePart queues a part sent by a device and, once the set is
// complete, assembles it under lockName. Returns the assembled message, or
// nil while parts are still missing or another assembler got there first.
func (s *Service) ReceiveMessagePart(ctx context.Context, p *types.MessagePart, lockName string) (*types.Message, error) {
	if lockName == "" {
		return nil, invalid("lock name is required")
	}
	if err := s.QueueMessagePartForAssembly(ctx, p); err != nil {
		return nil, err
	}
	ready, err := s.AllMessagePartsForMessageQueuedForAssembly(ctx, p.MessageID, p.TotalParts)
	if err != nil || !ready {
		return nil, err
	}
	m, err := s.AssembleMessage(ctx, p.MessageID, p.TotalParts, lockName)
	if errors.Is(err, storage.ErrLocked) || errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// GetMessagePart returns the stored part.
func (s *Service) GetMessagePart(ctx context.Context, id string) (*types.MessagePart, error) {
	if id == "" {
		return nil, invalid("message part id is required")
	}
	p, err := s.store.GetMessagePart(ctx, id)
	return p, partErr(err)
}

// DeleteMessagePart removes a part.
func (s *Service) DeleteMessagePart(ctx context.Context, id string) error {
	if id == "" {
		return invalid("message part id is required")
	}
	return partErr(s.store.DeleteMessagePart(ctx, id))
}

// SetMessagePartStatus moves a part to status along the part lifecycle.
func (s *Service) SetMessagePartStatus(ctx context.Context, id string, status types.Status) error {
	if id == "" {
		return invalid("message part id is required")
	}
	_, err := s.store.UpdateMessagePart(ctx, id, func(p *types.MessagePart) error {
		if err := types.CheckPartTransition(p.Status, status); err != nil {
			return err
		}
		p.Status = status
		return nil
	})
	return partErr(err)
}

// UnlockMessagePart releases a part held by lockName and moves it to status.
func (s *Service) UnlockMessagePart(ctx context.Context, id, lockName string, status types.Status) error {
	_, err := s.releasePart(ctx, id, lockName, status)
	return err
}

func (s *Service) releasePart(ctx context.Context, id, lockName string, status types.Status) (*types.MessagePart, error) {
	if id == "" || lockName == "" {
		return nil, invalid("message part id and lock name are required")
	}
	p, err := s.store.UpdateMessagePart(ctx, id, func(p *types.MessagePart) error {
		if p.LockName != lockName {
			return fmt.Errorf("%w: part %s is held by %q, not %q", ErrLockMismatch, p.ID, p.LockName, lockName)
		}
		if err := types.CheckPartTransition(p.Status, status); err != nil {
			return err
		}
		p.Status = status
		p.LockName = ""
		return nil
	})
	return p, partErr(err)
}

// ResetMessagePartLocks moves every part in status to newStatus and clears
// its lock. Returns the number of parts moved.
func (s *Service) ResetMessagePartLocks(ctx context.Context, status, newStatus types.Status) (int, error) {
	if status != newStatus && !types.ValidPartTransition(status, newStatus) {
		return 0, partErr(fmt.Errorf("%w: part %s → %s", types.ErrInvalidTransition, status, newStatus))
	}
	n, err := s.store.UpdateMessagePartsByStatus(ctx, status, func(p *types.MessagePart) error {
		p.Status = newStatus
		p.LockName = ""
		return nil
	})
	if err != nil {
		return 0, partErr(err)
	}
	if n > 0 {
		if s.metrics != nil {
			s.metrics.LocksReset.Add(metrics.ResetKey("part", status.String()), int64(n))
		}
		s.log.Warn("message part locks reset", "status", status.String(), "new_status", newStatus.String(), "count", n)
	}
	return n, nil
}
