// Package transfer defines the observable Transfer record shared by the
// upload and download managers, and the EWMA speed tracker both use to
// report it (spec.md §3 "Transfer", §4.6 "update speed EWMA").
package transfer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soulseek-go/slsk/internal/config"
)

// Direction distinguishes whether we are the sender or the receiver on the
// F channel.
type Direction int

const (
	DirectionDownload Direction = iota
	DirectionUpload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// Status is the transfer's observable lifecycle state (spec.md §3 "status").
type Status int

const (
	StatusQueued Status = iota
	StatusConnecting
	StatusTransferring
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusConnecting:
		return "connecting"
	case StatusTransferring:
		return "transferring"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Transfer is the record surfaced to TransferState/StatisticsState/ActivityLog
// and to any other observer. Its ID is a random UUID minted once at
// creation; the byte count and error message are atomics and the status is
// guarded by a mutex, so observers can read them while the owning manager
// updates them.
type Transfer struct {
	ID        uuid.UUID
	Username  string
	Filename  string
	Size      uint64
	Direction Direction
	StartedAt time.Time

	mu              sync.Mutex
	status          Status
	bytesTransferred atomic.Uint64
	errMsg          atomic.Value // string

	speed *SpeedTracker
}

// New creates a queued transfer record with a fresh ID.
func New(username, filename string, size uint64, dir Direction) *Transfer {
	t := &Transfer{
		ID:        uuid.New(),
		Username:  username,
		Filename:  filename,
		Size:      size,
		Direction: dir,
		StartedAt: time.Now(),
		status:    StatusQueued,
		speed:     NewSpeedTracker(config.Load().SpeedSampleWindow),
	}
	t.errMsg.Store("")
	return t
}

func (t *Transfer) SetStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Fail transitions the transfer to failed and records reason, matching
// spec.md §7's error-kind-to-transfer-state mapping.
func (t *Transfer) Fail(reason string) {
	t.errMsg.Store(reason)
	t.SetStatus(StatusFailed)
}

func (t *Transfer) Error() string {
	if v, ok := t.errMsg.Load().(string); ok {
		return v
	}
	return ""
}

// AddBytes records n freshly transferred payload bytes (never frame
// headers, per spec.md invariant 5) and feeds the speed tracker.
func (t *Transfer) AddBytes(n int) {
	t.bytesTransferred.Add(uint64(n))
	t.speed.Observe(n)
}

func (t *Transfer) BytesTransferred() uint64 { return t.bytesTransferred.Load() }

// Speed returns the current smoothed bytes/sec estimate.
func (t *Transfer) Speed() float64 { return t.speed.Rate() }
