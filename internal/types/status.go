// Package types contains the message entities shared across all syncq
// internal packages: Message, MessagePart, ArchivedMessage and
// MessageReceivedRequest, together with their lifecycle statuses and their
// mapping onto the wire format.
//
// It imports only the wire codec and the ID generator so that the storage,
// translator and messaging layers can all depend on it without cycles.
package types

import (
	"fmt"
	"strconv"
)

// Status is the lifecycle stage of a message or message part. A record is in
// exactly one stage at a time; sending, processing, assembly and download are
// all modelled on this single field.
type Status uint8

const (
	StatusInitialized Status = iota
	StatusQueuedForSending
	StatusSending
	StatusSent
	StatusQueuedForProcessing
	StatusProcessing
	StatusProcessed
	StatusQueuedForAssembly // parts only
	StatusAssembling        // parts only
	StatusQueuedForDownload
	StatusDownloading
	StatusDownloaded
	StatusAborted
	StatusFailed
)

var statusNames = [...]string{
	StatusInitialized:         "INITIALIZED",
	StatusQueuedForSending:    "QUEUED_FOR_SENDING",
	StatusSending:             "SENDING",
	StatusSent:                "SENT",
	StatusQueuedForProcessing: "QUEUED_FOR_PROCESSING",
	StatusProcessing:          "PROCESSING",
	StatusProcessed:           "PROCESSED",
	StatusQueuedForAssembly:   "QUEUED_FOR_ASSEMBLY",
	StatusAssembling:          "ASSEMBLING",
	StatusQueuedForDownload:   "QUEUED_FOR_DOWNLOAD",
	StatusDownloading:         "DOWNLOADING",
	StatusDownloaded:          "DOWNLOADED",
	StatusAborted:             "ABORTED",
	StatusFailed:              "FAILED",
}

// String returns the upper-case status name.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool { return int(s) < len(statusNames) }

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusProcessed, StatusDownloaded, StatusAborted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus parses the decimal code used on the wire.
func ParseStatus(s string) (Status, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !Status(n).Valid() {
		return 0, fmt.Errorf("invalid status %q", s)
	}
	return Status(n), nil
}

// Priority orders messages for processing. Higher values are processed first.
type Priority uint8

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 5
	PriorityHigh   Priority = 10
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// ParsePriority parses the decimal code used on the wire.
func ParsePriority(s string) (Priority, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}
