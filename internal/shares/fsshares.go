package shares

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/soulseek-go/slsk/internal/protocol/peer"
)

// FSManager is a minimal filesystem-backed Manager: it indexes one root
// directory once at construction and answers Lookup/Search from that
// in-memory snapshot. Re-run Reindex to pick up changes on disk; nothing
// watches the filesystem automatically.
type FSManager struct {
	root string

	mu      sync.RWMutex
	entries map[string]Entry // by SharedPath
}

// NewFSManager indexes every regular file under root and returns a ready
// Manager. SharedPath uses "\\" separators to match what SoulSeek peers
// expect on the wire (spec.md §3 "shared_path").
func NewFSManager(root string) (*FSManager, error) {
	m := &FSManager{root: root, entries: make(map[string]Entry)}
	if err := m.Reindex(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reindex walks root again, replacing the in-memory snapshot.
func (m *FSManager) Reindex() error {
	entries := make(map[string]Entry)

	err := filepath.WalkDir(m.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		sharedPath := strings.ReplaceAll(rel, string(filepath.Separator), "\\")

		info, err := d.Info()
		if err != nil {
			return err
		}

		entries[sharedPath] = Entry{
			SharedPath: sharedPath,
			LocalPath:  path,
			Size:       uint64(info.Size()),
			File: peer.SharedFile{
				Filename:  sharedPath,
				Size:      uint64(info.Size()),
				Extension: strings.TrimPrefix(filepath.Ext(path), "."),
			},
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	return nil
}

func (m *FSManager) Lookup(sharedPath string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sharedPath]
	return e, ok
}

// Search matches query against each filename case-insensitively, splitting
// on whitespace and requiring every term to appear (spec.md leaves matching
// policy to the host; this is a reasonable default for a headless daemon
// with no UI to configure it from).
func (m *FSManager) Search(query string) []Entry {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries {
		name := strings.ToLower(e.SharedPath)
		matched := true
		for _, t := range terms {
			if !strings.Contains(name, t) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of indexed files and the one folder this
// daemon shares, for SharedFoldersFiles announcements (spec.md §4.3).
func (m *FSManager) Count() (folders, files uint32) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return 1, uint32(len(m.entries))
}
