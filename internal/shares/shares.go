// Package shares defines the contract the host process implements to give
// the core a view of locally shared files (spec.md §1 "Out of scope:
// ShareManager"). The upload manager and the distributed leaf only consult
// this interface; FSManager in this package is one implementation of it,
// built by walking a local directory.
package shares

import "github.com/soulseek-go/slsk/internal/protocol/peer"

// Entry is one indexed shared file, keyed by the path the peer asked for
// over the wire (spec.md §3 "shared_path → local_path, size, metadata").
type Entry struct {
	SharedPath string // the path advertised to peers, e.g. "music\\rock\\song.mp3"
	LocalPath  string // where it actually lives on disk
	Size       uint64
	File       peer.SharedFile
}

// Manager is implemented by the host application. UploadManager consults
// Lookup for admission (spec.md §4.6 step 1); the distributed leaf consults
// Search to answer the queries its parent forwards.
type Manager interface {
	// Lookup returns the entry for sharedPath, or ok=false if it is not
	// currently shared (e.g. the folder was unshared, or never existed).
	Lookup(sharedPath string) (Entry, bool)

	// Search returns every shared file matching query, in no particular
	// order. The core does not interpret query; matching policy is the
	// host's responsibility.
	Search(query string) []Entry
}
