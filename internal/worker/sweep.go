package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/syncq/internal/types"
)

// Recoverer is the slice of the messaging service the lock sweep drives.
type Recoverer interface {
	ResetMessageLocks(ctx context.Context, status, newStatus types.Status) (int, error)
	ResetMessagePartLocks(ctx context.Context, status, newStatus types.Status) (int, error)
}

// Sweep moves records stuck in one in-flight status back to its queue.
type Sweep struct {
	Parts bool // parts instead of messages
	From  types.Status
	To    types.Status
}

func (s Sweep) String() string {
	kind := "message"
	if s.Parts {
		kind = "part"
	}
	return fmt.Sprintf("%s %s → %s", kind, s.From, s.To)
}

// StartupSweeps returns every in-flight status to its queue. Run them only
// while no worker of any session holds a lock.
var StartupSweeps = []Sweep{
	{From: types.StatusSending, To: types.StatusQueuedForSending},
	{From: types.StatusProcessing, To: types.StatusQueuedForProcessing},
	{From: types.StatusDownloading, To: types.StatusQueuedForDownload},
	{Parts: true, From: types.StatusSending, To: types.StatusQueuedForSending},
	{Parts: true, From: types.StatusAssembling, To: types.StatusQueuedForAssembly},
	{Parts: true, From: types.StatusDownloading, To: types.StatusQueuedForDownload},
}

// RecoverLocks runs sweeps in order and returns the number of records moved.
// It stops at the first failure.
func RecoverLocks(ctx context.Context, r Recoverer, sweeps []Sweep, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	total := 0
	for _, s := range sweeps {
		reset := r.ResetMessageLocks
		if s.Parts {
			reset = r.ResetMessagePartLocks
		}
		n, err := reset(ctx, s.From, s.To)
		if err != nil {
			return total, fmt.Errorf("worker: sweep %s: %w", s, err)
		}
		total += n
	}
	log.Info("lock recovery finished", "records", total)
	return total, nil
}
