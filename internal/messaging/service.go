// Package messaging is the store-and-forward workflow: creation, assembly,
// claiming, retry bookkeeping, download and archival of device messages.
//
// The Service holds no message state of its own. Everything lives in a
// storage.MessageStore, and every multi-step transition runs in one store
// transaction, so any number of Services and workers may share one store.
//
// Data flow:
//
//	device → ReceiveMessage / ReceiveMessagePart → QUEUED_FOR_PROCESSING
//	worker → GetNextMessageQueuedForProcessing → ProcessMessage
//	       → MessageProcessed | MessageProcessingFailed
//	reply  → QueueMessageForDownload → GetMessagesQueuedForDownload → MessageReceived
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/syncq/internal/assembly"
	"github.com/snehjoshi/syncq/internal/keystore"
	"github.com/snehjoshi/syncq/internal/metrics"
	"github.com/snehjoshi/syncq/internal/node"
	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/translator"
	"github.com/snehjoshi/syncq/internal/types"
)

// ─── Config / functional options ─────────────────────────────────────────────

// Config holds the retry policy and split size.
type Config struct {
	// MaxProcessingAttempts is the number of processing attempts after which a
	// failing message becomes FAILED instead of being requeued.
	MaxProcessingAttempts int
	// MaxDownloadAttempts bounds how often a device may claim the same record.
	MaxDownloadAttempts int
	// PartSize is the payload size of each part when a download is split.
	PartSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxProcessingAttempts: 3,
		MaxDownloadAttempts:   5,
		PartSize:              assembly.DefaultPartSize,
	}
}

// Option is a functional option for the Service.
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics attaches a metrics.Registry updated on every transition.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// WithArchive enables archival of archivable message types.
func WithArchive(a storage.ArchiveStore) Option {
	return func(s *Service) { s.archive = a }
}

// WithKeys supplies device keys for secure message types.
func WithKeys(k keystore.Provider) Option {
	return func(s *Service) { s.keys = k }
}

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// ─── Service ─────────────────────────────────────────────────────────────────

// Service implements the messaging workflow. All methods are safe for
// concurrent use.
type Service struct {
	store    storage.MessageStore
	registry *Registry
	cfg      Config

	log     *slog.Logger
	metrics *metrics.Registry
	archive storage.ArchiveStore
	keys    keystore.Provider
	now     func() time.Time
}

// New returns a Service over store. Zero Config fields take their defaults.
func New(store storage.MessageStore, registry *Registry, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MaxProcessingAttempts <= 0 {
		cfg.MaxProcessingAttempts = def.MaxProcessingAttempts
	}
	if cfg.MaxDownloadAttempts <= 0 {
		cfg.MaxDownloadAttempts = def.MaxDownloadAttempts
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Service{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxProcessingAttempts returns the configured retry limit.
func (s *Service) MaxProcessingAttempts() int { return s.cfg.MaxProcessingAttempts }

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) count(pick func(*metrics.Registry) *metrics.Counter, key string) {
	if s.metrics != nil {
		pick(s.metrics).Inc(key)
	}
}

func (s *Service) timestamp() time.Time { return s.now().UTC() }

// ─── Capability predicates ───────────────────────────────────────────────────

func (s *Service) CanProcessMessage(m *types.Message) bool {
	return s.registry.Capabilities(m.TypeID).Process
}

func (s *Service) CanQueueMessagePartForAssembly(p *types.MessagePart) bool {
	return s.registry.Capabilities(p.MessageTypeID).Assemble
}

func (s *Service) IsSynchronousMessage(m *types.Message) bool {
	return s.registry.Capabilities(m.TypeID).Synchronous
}

func (s *Service) IsAsynchronousMessage(m *types.Message) bool { return !s.IsSynchronousMessage(m) }

func (s *Service) IsSecureMessage(m *types.Message) bool {
	return s.registry.Capabilities(m.TypeID).Secure
}

func (s *Service) IsArchivableMessage(m *types.Message) bool {
	return s.registry.Capabilities(m.TypeID).Archive
}

// ─── Messages ────────────────────────────────────────────────────────────────

// CreateMessage stores m in INITIALIZED status. The stored record is a copy;
// m itself is not modified.
func (s *Service) CreateMessage(ctx context.Context, m *types.Message) error {
	return s.createMessage(ctx, m, types.StatusInitialized)
}

// ReceiveMessage stores a message sent by a device straight into
// QUEUED_FOR_PROCESSING. The type must be processable, and a secure type must
// arrive encrypted.
func (s *Service) ReceiveMessage(ctx context.Context, m *types.Message) error {
	if m == nil {
		return invalid("message is required")
	}
	if !s.CanProcessMessage(m) {
		return invalid("message type %q cannot be processed", m.TypeID)
	}
	if s.IsSecureMessage(m) && !m.IsEncrypted() {
		return invalid("message type %q requires an encrypted payload", m.TypeID)
	}
	return s.createMessage(ctx, m, types.StatusQueuedForProcessing)
}

func (s *Service) createMessage(ctx context.Context, m *types.Message, status types.Status) error {
	if m == nil {
		return invalid("message is required")
	}
	c := m.Clone()
	c.Status = status
	c.LockName = ""
	if err := c.Validate(); err != nil {
		return messageErr(err)
	}
	if err := s.store.CreateMessage(ctx, c); err != nil {
		return messageErr(err)
	}
	s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Created }, c.TypeID)
	s.log.Debug("message created", "message_id", c.ID, "type", c.TypeID, "status", c.Status.String())
	return nil
}

// GetMessage returns the stored message.
func (s *Service) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	if id == "" {
		return nil, invalid("message id is required")
	}
	m, err := s.store.GetMessage(ctx, id)
	return m, messageErr(err)
}

// DeleteMessage removes a message.
func (s *Service) DeleteMessage(ctx context.Context, id string) error {
	if id == "" {
		return invalid("message id is required")
	}
	return messageErr(s.store.DeleteMessage(ctx, id))
}

// SetMessageStatus moves a message to status along the lifecycle.
func (s *Service) SetMessageStatus(ctx context.Context, id string, status types.Status) error {
	if id == "" {
		return invalid("message id is required")
	}
	_, err := s.store.UpdateMessage(ctx, id, func(m *types.Message) error {
		if err := types.CheckTransition(m.Status, status); err != nil {
			return err
		}
		m.Status = status
		return nil
	})
	return messageErr(err)
}

// UnlockMessage releases a message held by lockName and moves it to status
// in one step.
func (s *Service) UnlockMessage(ctx context.Context, id, lockName string, status types.Status) error {
	_, err := s.releaseMessage(ctx, id, lockName, func(*types.Message) types.Status { return status })
	return err
}

// releaseMessage clears lockName from the message and applies the status
// chosen by next, atomically.
func (s *Service) releaseMessage(ctx context.Context, id, lockName string, next func(*types.Message) types.Status) (*types.Message, error) {
	if id == "" || lockName == "" {
		return nil, invalid("message id and lock name are required")
	}
	m, err := s.store.UpdateMessage(ctx, id, func(m *types.Message) error {
		if m.LockName != lockName {
			return fmt.Errorf("%w: message %s is held by %q, not %q", ErrLockMismatch, m.ID, m.LockName, lockName)
		}
		status := next(m)
		if err := types.CheckTransition(m.Status, status); err != nil {
			return err
		}
		m.Status = status
		m.LockName = ""
		return nil
	})
	return m, messageErr(err)
}

// ResetMessageLocks moves every message in status to newStatus and clears
// its lock. Crash recovery only; returns the number of messages moved.
func (s *Service) ResetMessageLocks(ctx context.Context, status, newStatus types.Status) (int, error) {
	if status != newStatus && !types.ValidTransition(status, newStatus) {
		return 0, messageErr(fmt.Errorf("%w: message %s → %s", types.ErrInvalidTransition, status, newStatus))
	}
	n, err := s.store.UpdateMessagesByStatus(ctx, status, func(m *types.Message) error {
		m.Status = newStatus
		m.LockName = ""
		return nil
	})
	if err != nil {
		return 0, messageErr(err)
	}
	if n > 0 {
		if s.metrics != nil {
			s.metrics.LocksReset.Add(metrics.ResetKey("message", status.String()), int64(n))
		}
		s.log.Warn("message locks reset", "status", status.String(), "new_status", newStatus.String(), "count", n)
	}
	return n, nil
}

// ─── Processing ──────────────────────────────────────────────────────────────

// GetNextMessageQueuedForProcessing claims the highest-priority, oldest
// unlocked message in QUEUED_FOR_PROCESSING for lockName. The claim moves it
// to PROCESSING, counts the attempt and stamps lastProcessed in one
// transaction. Returns nil when the queue is empty.
func (s *Service) GetNextMessageQueuedForProcessing(ctx context.Context, lockName string) (*types.Message, error) {
	if lockName == "" {
		return nil, invalid("lock name is required")
	}
	now := s.timestamp()
	claimed, err := s.store.ClaimMessages(ctx,
		storage.Query{Status: types.StatusQueuedForProcessing, Limit: 1},
		func(m *types.Message) error {
			m.Status = types.StatusProcessing
			m.LockName = lockName
			m.IncrementProcessAttempts()
			m.LastProcessed = &now
			return nil
		})
	if err != nil {
		return nil, messageErr(err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return claimed[0], nil
}

// MessageProcessed completes a message held by lockName: PROCESSED, archived
// when its type asks for it, then deleted.
func (s *Service) MessageProcessed(ctx context.Context, id, lockName string) error {
	m, err := s.releaseMessage(ctx, id, lockName, func(*types.Message) types.Status { return types.StatusProcessed })
	if err != nil {
		return err
	}
	s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Processed }, m.TypeID)
	return s.retire(ctx, m)
}

// MessageProcessingFailed records a failed attempt. The message returns to
// QUEUED_FOR_PROCESSING unless its attempts reached MaxProcessingAttempts, in
// which case it becomes FAILED. Returns the resulting status.
func (s *Service) MessageProcessingFailed(ctx context.Context, id, lockName string) (types.Status, error) {
	m, err := s.releaseMessage(ctx, id, lockName, func(m *types.Message) types.Status {
		if types.Attempts(m.ProcessAttempts) >= s.cfg.MaxProcessingAttempts {
			return types.StatusFailed
		}
		return types.StatusQueuedForProcessing
	})
	if err != nil {
		return 0, err
	}

	if m.Status == types.StatusQueuedForProcessing {
		s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Requeued }, m.TypeID)
		s.log.Info("message requeued", "message_id", m.ID, "attempts", types.Attempts(m.ProcessAttempts))
		return m.Status, nil
	}

	s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Failed }, m.TypeID)
	s.log.Warn("message failed", "message_id", m.ID, "type", m.TypeID, "attempts", types.Attempts(m.ProcessAttempts))
	if s.IsArchivableMessage(m) {
		if err := s.archiveOnce(ctx, m); err != nil {
			return m.Status, err
		}
	}
	return m.Status, nil
}

// TranslatorFor returns a translator bound to m's device. Secure types get
// the device key.
func (s *Service) TranslatorFor(ctx context.Context, m *types.Message) (*translator.Translator, error) {
	if !s.IsSecureMessage(m) {
		return translator.New(m.Username, m.DeviceID, nil), nil
	}
	if s.keys == nil {
		return nil, fmt.Errorf("%w: type %q is secure but no key provider is configured", ErrServiceUnavailable, m.TypeID)
	}
	return translator.ForDevice(ctx, s.keys, m.Username, m.DeviceID)
}

// ProcessMessage dispatches m to its handler. A plaintext message of a secure
// type is refused with translator.ErrMessaging.
//
// A response payload is queued for download to the originating device,
// correlated to m. Its ID is derived from m.ID, so a retry after a failed
// release finds the reply already queued and does not queue it twice. A reply
// the device has already acknowledged is queued again.
func (s *Service) ProcessMessage(ctx context.Context, m *types.Message) error {
	if m == nil {
		return invalid("message is required")
	}
	h, ok := s.registry.Handler(m.TypeID)
	if !ok || !s.CanProcessMessage(m) {
		return fmt.Errorf("%w: %q", ErrNoHandler, m.TypeID)
	}
	if s.IsSecureMessage(m) && !m.IsEncrypted() {
		return fmt.Errorf("%w: message %s of secure type %q is not encrypted", translator.ErrMessaging, m.ID, m.TypeID)
	}
	tr, err := s.TranslatorFor(ctx, m)
	if err != nil {
		return err
	}
	resp, err := h.Handle(ctx, m, tr)
	if err != nil {
		return fmt.Errorf("messaging: handle %s (%s): %w", m.ID, m.TypeID, err)
	}
	if resp == nil {
		return nil
	}

	rtr := tr
	if s.IsSecureMessage(m) != s.registry.Capabilities(resp.TypeID()).Secure {
		target := &types.Message{TypeID: resp.TypeID(), Username: m.Username, DeviceID: m.DeviceID}
		if rtr, err = s.TranslatorFor(ctx, target); err != nil {
			return err
		}
	}
	reply, err := rtr.ToMessage(resp, m.ID)
	if err != nil {
		return err
	}
	reply.ID = node.DerivedID(m.ID, "reply")
	err = s.QueueMessageForDownload(ctx, reply)
	if errors.Is(err, ErrDuplicateMessage) || errors.Is(err, ErrDuplicateMessagePart) {
		s.log.Debug("reply already queued", "message_id", m.ID, "reply_id", reply.ID)
		return nil
	}
	return err
}

// ProcessNext claims one message for lockName, runs its handler and records
// the outcome. Reports whether a message was claimed.
func (s *Service) ProcessNext(ctx context.Context, lockName string) (bool, error) {
	m, err := s.GetNextMessageQueuedForProcessing(ctx, lockName)
	if err != nil || m == nil {
		return false, err
	}

	if perr := s.ProcessMessage(ctx, m); perr != nil {
		s.log.Error("processing failed", "message_id", m.ID, "type", m.TypeID,
			"lock_name", lockName, "attempts", types.Attempts(m.ProcessAttempts), "error", perr)
		if _, err := s.MessageProcessingFailed(ctx, m.ID, lockName); err != nil {
			return true, errors.Join(perr, err)
		}
		return true, nil
	}
	return true, s.MessageProcessed(ctx, m.ID, lockName)
}

// ─── Archival ────────────────────────────────────────────────────────────────

// ArchiveMessage copies m to the archive. Returns ErrDuplicateMessage when it
// is already archived.
func (s *Service) ArchiveMessage(ctx context.Context, m *types.Message) error {
	if m == nil || m.ID == "" {
		return invalid("message is required")
	}
	if s.archive == nil {
		return fmt.Errorf("%w: no archive store configured", ErrServiceUnavailable)
	}
	if err := s.archive.ArchiveMessage(ctx, types.NewArchivedMessage(m, s.timestamp())); err != nil {
		return messageErr(err)
	}
	s.count(func(r *metrics.Registry) *metrics.Counter { return &r.Archived }, m.TypeID)
	return nil
}

// IsMessageArchived reports whether a snapshot of id exists.
func (s *Service) IsMessageArchived(ctx context.Context, id string) (bool, error) {
	if s.archive == nil {
		return false, nil
	}
	ok, err := s.archive.IsMessageArchived(ctx, id)
	return ok, messageErr(err)
}

// archiveOnce archives m unless a snapshot already exists. Without an
// archive store it does nothing.
func (s *Service) archiveOnce(ctx context.Context, m *types.Message) error {
	if s.archive == nil {
		return nil
	}
	done, err := s.IsMessageArchived(ctx, m.ID)
	if err != nil || done {
		return err
	}
	err = s.ArchiveMessage(ctx, m)
	if errors.Is(err, ErrDuplicateMessage) {
		return nil
	}
	return err
}

// retire archives an archivable message, then deletes it.
func (s *Service) retire(ctx context.Context, m *types.Message) error {
	if s.IsArchivableMessage(m) {
		if err := s.archiveOnce(ctx, m); err != nil {
			return err
		}
	}
	if err := s.store.DeleteMessage(ctx, m.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return messageErr(err)
	}
	return nil
}

// RetireFinishedMessages retries what MessageProcessed, MessageReceived and
// MessageProcessingFailed could not finish. Unlocked PROCESSED and DOWNLOADED
// messages are archived when their type asks for it and deleted; archivable
// FAILED messages are archived and kept. Returns how many messages were
// retired or archived.
func (s *Service) RetireFinishedMessages(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []types.Status{types.StatusProcessed, types.StatusDownloaded} {
		list, err := s.store.ListMessages(ctx, storage.Query{Status: status})
		if err != nil {
			return n, messageErr(err)
		}
		for _, m := range list {
			if m.IsLocked() {
				continue
			}
			if err := s.retire(ctx, m); err != nil {
				return n, err
			}
			n++
		}
	}

	if s.archive != nil {
		failed, err := s.store.ListMessages(ctx, storage.Query{Status: types.StatusFailed})
		if err != nil {
			return n, messageErr(err)
		}
		for _, m := range failed {
			if !s.IsArchivableMessage(m) {
				continue
			}
			done, err := s.IsMessageArchived(ctx, m.ID)
			if err != nil {
				return n, err
			}
			if done {
				continue
			}
			if err := s.archiveOnce(ctx, m); err != nil {
				return n, err
			}
			n++
		}
	}

	if n > 0 {
		s.log.Info("finished messages retired", "count", n)
	}
	return n, nil
}
