package types

import (
	"errors"
	"fmt"
)

// Lifecycle transition rules.
//
// Message:
//
//	INITIALIZED ─┬─► QUEUED_FOR_SENDING ──► SENDING ──► SENT
//	             │          ▲                  │
//	             │          └──── retry ───────┘
//	             ├─► QUEUED_FOR_PROCESSING ──► PROCESSING ──► PROCESSED
//	             │          ▲                      │
//	             │          └── retry / reset ─────┘
//	             └─► QUEUED_FOR_DOWNLOAD ──► DOWNLOADING ──► DOWNLOADED
//	                        ▲                    │
//	                        └── retry / reset ───┘
//
// ABORTED and FAILED are reachable from every non-terminal stage.
// Parts follow the same graph with QUEUED_FOR_ASSEMBLY ⇄ ASSEMBLING in place
// of the processing leg; a successfully assembled part is deleted, not moved.

// ErrInvalidTransition is returned when a status change breaks the lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

var messageTransitions = map[Status][]Status{
	StatusInitialized:         {StatusQueuedForSending, StatusQueuedForProcessing, StatusQueuedForDownload},
	StatusQueuedForSending:    {StatusSending},
	StatusSending:             {StatusSent, StatusQueuedForSending},
	StatusQueuedForProcessing: {StatusProcessing},
	StatusProcessing:          {StatusProcessed, StatusQueuedForProcessing},
	StatusQueuedForDownload:   {StatusDownloading},
	StatusDownloading:         {StatusDownloaded, StatusQueuedForDownload},
}

var partTransitions = map[Status][]Status{
	StatusInitialized:       {StatusQueuedForSending, StatusQueuedForAssembly, StatusQueuedForDownload},
	StatusQueuedForSending:  {StatusSending},
	StatusSending:           {StatusSent, StatusQueuedForSending},
	StatusQueuedForAssembly: {StatusAssembling},
	StatusAssembling:        {StatusQueuedForAssembly},
	StatusQueuedForDownload: {StatusDownloading},
	StatusDownloading:       {StatusDownloaded, StatusQueuedForDownload},
}

// ValidTransition reports whether a message may move from → to.
func ValidTransition(from, to Status) bool {
	return allowed(messageTransitions, from, to)
}

// ValidPartTransition reports whether a message part may move from → to.
func ValidPartTransition(from, to Status) bool {
	return allowed(partTransitions, from, to)
}

// CheckTransition returns ErrInvalidTransition when ValidTransition is false.
// Setting a status to its current value is accepted.
func CheckTransition(from, to Status) error {
	if from == to || ValidTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: message %s → %s", ErrInvalidTransition, from, to)
}

// CheckPartTransition is CheckTransition for message parts.
func CheckPartTransition(from, to Status) error {
	if from == to || ValidPartTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: part %s → %s", ErrInvalidTransition, from, to)
}

func allowed(table map[Status][]Status, from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusAborted || to == StatusFailed {
		_, known := table[from]
		return known
	}
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}
