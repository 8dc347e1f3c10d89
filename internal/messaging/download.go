package messaging

import (
	"context"
	"fmt"

	"github.com/snehjoshi/syncq/internal/assembly"
	"github.com/snehjoshi/syncq/internal/metrics"
	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/types"
)

// ─── Download queue ──────────────────────────────────────────────────────────

// QueueMessageForDownload stores m for its device. A payload larger than
// types.MaxMessageSize is stored as parts instead, all of them or none.
func (s *Service) QueueMessageForDownload(ctx context.Context, m *types.Message) error {
	if m == nil {
		return invalid("message is required")
	}
	if !assembly.NeedsSplit(m) {
		return s.createMessage(ctx, m, types.StatusQueuedForDownload)
	}

	if err := m.Validate(); err != nil {
		return messageErr(err)
	}
	parts, err := assembly.Split(m, s.cfg.PartSize)
	if err != nil {
		return invalid("%v", err)
	}
	for _, p := range parts {
		p.Status = types.StatusQueuedForDownload
	}
	if err := s.store.CreateMessageParts(ctx, parts); err != nil {
		return partErr(err)
	}
	s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Created }, m.TypeID)
	s.log.Debug("message split for download", "message_id", m.ID, "type", m.TypeID, "total_parts", len(parts))
	return nil
}

func downloadQuery(username, deviceID, lockName string, limit int) (storage.Query, error) {
	if username == "" || deviceID == "" || lockName == "" {
		return storage.Query{}, invalid("username, device id and lock name are required")
	}
	if limit < 0 {
		return storage.Query{}, invalid("limit must not be negative")
	}
	return storage.Query{
		Status:   types.StatusQueuedForDownload,
		Username: username,
		DeviceID: deviceID,
		Limit:    limit,
	}, nil
}

// GetMessagesQueuedForDownload claims up to limit messages waiting for the
// device, moving them to DOWNLOADING under lockName and counting the attempt.
// A message that already used MaxDownloadAttempts becomes FAILED and is not
// returned. limit 0 claims everything queued.
func (s *Service) GetMessagesQueuedForDownload(ctx context.Context, username, deviceID, lockName string, limit int) ([]*types.Message, error) {
	q, err := downloadQuery(username, deviceID, lockName, limit)
	if err != nil {
		return nil, err
	}
	claimed, err := s.store.ClaimMessages(ctx, q, func(m *types.Message) error {
		if types.Attempts(m.DownloadAttempts) >= s.cfg.MaxDownloadAttempts {
			m.Status = types.StatusFailed
			return nil
		}
		m.Status = types.StatusDownloading
		m.LockName = lockName
		m.IncrementDownloadAttempts()
		return nil
	})
	if err != nil {
		return nil, messageErr(err)
	}

	out := claimed[:0]
	for _, m := range claimed {
		if m.Status == types.StatusFailed {
			s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Failed }, m.TypeID)
			s.log.Warn("message download failed", "message_id", m.ID, "device_id", deviceID,
				"attempts", types.Attempts(m.DownloadAttempts))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// GetMessagePartsQueuedForDownload is GetMessagesQueuedForDownload for parts.
func (s *Service) GetMessagePartsQueuedForDownload(ctx context.Context, username, deviceID, lockName string, limit int) ([]*types.MessagePart, error) {
	q, err := downloadQuery(username, deviceID, lockName, limit)
	if err != nil {
		return nil, err
	}
	claimed, err := s.store.ClaimMessageParts(ctx, q, func(p *types.MessagePart) error {
		if types.Attempts(p.DownloadAttempts) >= s.cfg.MaxDownloadAttempts {
			p.Status = types.StatusFailed
			return nil
		}
		p.Status = types.StatusDownloading
		p.LockName = lockName
		p.IncrementDownloadAttempts()
		return nil
	})
	if err != nil {
		return nil, partErr(err)
	}

	out := claimed[:0]
	for _, p := range claimed {
		if p.Status == types.StatusFailed {
			s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Failed }, p.MessageTypeID)
			s.log.Warn("message part download failed", "part_id", p.ID, "message_id", p.MessageID,
				"device_id", deviceID, "attempts", types.Attempts(p.DownloadAttempts))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// MessageReceived acknowledges a download. The message must belong to the
// acknowledging device; it becomes DOWNLOADED, is archived when its type asks
// for it, then deleted.
func (s *Service) MessageReceived(ctx context.Context, req *types.MessageReceivedRequest) error {
	if req == nil {
		return invalid("message received request is required")
	}
	if err := req.Validate(); err != nil {
		return messageErr(err)
	}
	m, err := s.store.UpdateMessage(ctx, req.MessageID, func(m *types.Message) error {
		if m.DeviceID != req.DeviceID {
			return invalid("message %s was not sent to device %s", m.ID, req.DeviceID)
		}
		if err := types.CheckTransition(m.Status, types.StatusDownloaded); err != nil {
			return err
		}
		m.Status = types.StatusDownloaded
		m.LockName = ""
		return nil
	})
	if err != nil {
		return messageErr(err)
	}
	s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Downloaded }, m.TypeID)
	s.log.Debug("message downloaded", "message_id", m.ID, "device_id", m.DeviceID)
	return s.retire(ctx, m)
}

// MessagePartReceived acknowledges the download of one part and deletes it.
func (s *Service) MessagePartReceived(ctx context.Context, partID string) error {
	if partID == "" {
		return invalid("message part id is required")
	}
	p, err := s.store.UpdateMessagePart(ctx, partID, func(p *types.MessagePart) error {
		if err := types.CheckPartTransition(p.Status, types.StatusDownloaded); err != nil {
			return err
		}
		p.Status = types.StatusDownloaded
		p.LockName = ""
		return nil
	})
	if err != nil {
		return partErr(err)
	}
	s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Downloaded }, p.MessageTypeID)
	if err := s.store.DeleteMessagePart(ctx, p.ID); err != nil {
		return partErr(fmt.Errorf("delete downloaded part %s: %w", p.ID, err))
	}
	return nil
}
