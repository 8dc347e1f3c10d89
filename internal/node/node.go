// Package node owns identifiers: the persistent identity of a syncq server
// and the ULIDs minted for messages and message parts.
//
// The node ID is generated on first start and kept in the data directory.
// It prefixes every worker lock name, so a lock left behind by a crashed
// process can always be traced to the server that took it.
package node

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "node_id"

// ID identifies a syncq server. It survives restarts within one data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node is the persistent identity of this server.
type Node struct {
	id      ID
	dataDir string
}

// New loads the node ID from dataDir, generating and persisting one when the
// file is missing. A non-empty override other than "auto" wins over the file.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if !ValidID(override) {
			return nil, fmt.Errorf("node: id override %q is not a ULID", override)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

func (n *Node) ID() ID { return n.id }

func (n *Node) DataDir() string { return n.dataDir }

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if !ValidID(s) {
			return "", fmt.Errorf("node: persisted id %q is not a ULID", s)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}

// ─── ULID generation ─────────────────────────────────────────────────────────

// One monotonic source for the whole process keeps IDs minted in the same
// millisecond strictly increasing.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, time-sortable ULID string.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is NewID that panics. Tests and init code only.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}

// DerivedID returns the ULID determined by parent and label: the same pair
// always yields the same ID. When parent is a ULID the result carries its
// timestamp.
func DerivedID(parent, label string) string {
	var id ulid.ULID
	if p, err := ulid.ParseStrict(parent); err == nil {
		_ = id.SetTime(p.Time())
	}
	sum := sha256.Sum256([]byte(parent + "\x00" + label))
	_ = id.SetEntropy(sum[:10])
	return id.String()
}

// ValidID reports whether s is a well-formed ULID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// IDTime returns the creation time embedded in a ULID.
func IDTime(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("node: parse id %q: %w", s, err)
	}
	return ulid.Time(id.Time()), nil
}
