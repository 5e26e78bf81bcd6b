// Package node manages the identity of a FastQ server process and hands out
// the time-ordered ULIDs used for subscription IDs.
//
// The node ID is generated on first start and stored in <data_dir>/node_id.
// It is logged at startup and reported by /health so that operators can tell
// which data directory a running process owns.
package node

import (
	"crypto/rand"
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

// IDFileName is the file under the data directory holding the node ULID.
const IDFileName = "node_id"

// ID is a ULID string that uniquely identifies a FastQ data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this server instance.
type Node struct {
	id        ID
	dataDir   string
	startedAt time.Time
}

// New returns a Node whose ID is loaded from dataDir/node_id, generating and
// writing a new one if the file does not exist. An override other than ""
// or "auto" is used instead of the file and must itself be a valid ULID.
func New(dataDir string, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	n := &Node{dataDir: dataDir, startedAt: time.Now().UTC()}
	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		n.id = ID(override)
		return n, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, IDFileName))
	if err != nil {
		return nil, err
	}
	n.id = id
	return n, nil
}

// ID returns the node's stable ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory of this node.
func (n *Node) DataDir() string { return n.dataDir }

// Uptime returns the time elapsed since New.
func (n *Node) Uptime() time.Duration { return time.Since(n.startedAt) }

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(s); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", s, err)
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

// A single monotonic source keeps IDs generated within the same millisecond
// strictly increasing.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, time-ordered ULID string.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}

// Time returns the creation time encoded in a ULID produced by NewID.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
