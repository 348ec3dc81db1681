// Package upload implements the uploader side of a file transfer: admission
// against the local share index, the offer/response handshake, opening the
// F channel (direct or indirect), and streaming the bytes (spec.md §4.6
// "UploadManager").
package upload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/soulseek-go/slsk/internal/config"
	"github.com/soulseek-go/slsk/internal/peer"
	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
	"github.com/soulseek-go/slsk/internal/shares"
	"github.com/soulseek-go/slsk/internal/transfer"
)

// Phase tracks the upload state machine in finer detail than
// transfer.Status (spec.md §4.6 "Upload state machine").
type Phase int

const (
	PhaseEnqueued Phase = iota
	PhaseOffered
	PhaseAccepted
	PhaseConnecting
	PhaseIndirectWait
	PhaseTransferring
	PhaseCompleted
	PhaseRejected
	PhaseTimeout
	PhaseFailed
)

// PeerConnectNotifier lets the manager tell the server that an offer's
// F channel could not be opened, without depending on the server package
// directly. Relaying the indirect connect request is done by peer.Pool.
type PeerConnectNotifier interface {
	CantConnectToPeer(token uint32, username string) error
}

type queuedUpload struct {
	transfer *transfer.Transfer
	username string
	filename string
	localPath string
	size     uint64
	token    uint32
	phase    Phase
	conn     *peer.Connection // the requester's P connection
}

// Manager owns the upload queue and every in-flight offer/transfer. All
// mutations to its maps happen on the caller's goroutine under mu, per
// spec.md §5 "one coordinator task serializes all mutations".
type Manager struct {
	log    *slog.Logger
	shares shares.Manager
	pool   *peer.Pool
	server PeerConnectNotifier

	mu             sync.Mutex
	queue          []*queuedUpload
	active         map[string]*queuedUpload // by transfer ID
	pendingByToken map[uint32]*queuedUpload
	pendingByUser  map[string][]*queuedUpload
}

func NewManager(log *slog.Logger, sharesMgr shares.Manager, pool *peer.Pool, server PeerConnectNotifier) *Manager {
	return &Manager{
		log:            log,
		shares:         sharesMgr,
		pool:           pool,
		server:         server,
		active:         make(map[string]*queuedUpload),
		pendingByToken: make(map[uint32]*queuedUpload),
		pendingByUser:  make(map[string][]*queuedUpload),
	}
}

// HasActiveTransfer reports whether username has any in-flight or pending
// upload. Its signature fits the hasActiveTransfer veto that
// peer.Pool.EvictIdle takes.
func (m *Manager) HasActiveTransfer(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pendingByUser[username]) > 0 {
		return true
	}
	for _, u := range m.active {
		if u.username == username {
			return true
		}
	}
	return false
}

// HandleQueueUpload admits or rejects an inbound QueueUpload(filename) from
// username over conn, its P connection (spec.md §4.6 step 1).
func (m *Manager) HandleQueueUpload(username, filename string, conn *peer.Connection) {
	entry, ok := m.shares.Lookup(filename)
	if !ok {
		conn.Send(protopeer.BuildUploadDenied(protopeer.UploadDenied{Filename: filename, Reason: "File not shared"}))
		return
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		conn.Send(protopeer.BuildUploadDenied(protopeer.UploadDenied{Filename: filename, Reason: "File not found"}))
		return
	}

	m.mu.Lock()

	if pos, dup := m.queuePosition(username, filename); dup {
		m.mu.Unlock()
		conn.Send(protopeer.BuildPlaceInQueue(protopeer.PlaceInQueue{Filename: filename, Place: uint32(pos)}))
		return
	}

	limit := config.Load().MaxQueuedPerUser
	if m.countForUser(username) >= limit {
		m.mu.Unlock()
		conn.Send(protopeer.BuildUploadDenied(protopeer.UploadDenied{Filename: filename, Reason: "Too many files queued"}))
		return
	}

	u := &queuedUpload{
		transfer:  transfer.New(username, filename, entry.Size, transfer.DirectionUpload),
		username:  username,
		filename:  filename,
		localPath: entry.LocalPath,
		size:      entry.Size,
		phase:     PhaseEnqueued,
		conn:      conn,
	}
	m.queue = append(m.queue, u)
	m.mu.Unlock()

	m.pumpQueue()
}

func (m *Manager) queuePosition(username, filename string) (int, bool) {
	for i, u := range m.queue {
		if u.username == username && u.filename == filename {
			return i + 1, true
		}
	}
	for _, u := range m.pendingByUser[username] {
		if u.filename == filename {
			// Already offered/accepted, ahead of everything still sitting
			// in m.queue -- report a real position, not the "not found"
			// sentinel.
			return 1, true
		}
	}
	return 0, false
}

func (m *Manager) countForUser(username string) int {
	n := len(m.pendingByUser[username])
	for _, u := range m.queue {
		if u.username == username {
			n++
		}
	}
	return n
}

// inFlight is len(active)+len(pending), the quantity capped by
// MaxConcurrentUploads (spec.md §4.6 "Concurrency caps").
func (m *Manager) inFlightLocked() int {
	return len(m.active) + len(m.pendingByToken)
}

// pumpQueue promotes queued uploads to offers until the concurrency cap is
// hit, and broadcasts updated queue positions (spec.md §4.6 "pump the
// queue").
func (m *Manager) pumpQueue() {
	maxConcurrent := config.Load().MaxConcurrentUploads

	var toOffer []*queuedUpload
	m.mu.Lock()
	for m.inFlightLocked() < maxConcurrent && len(m.queue) > 0 {
		u := m.queue[0]
		m.queue = m.queue[1:]
		toOffer = append(toOffer, u)
	}
	remaining := append([]*queuedUpload(nil), m.queue...)
	m.mu.Unlock()

	for _, u := range toOffer {
		m.offer(u)
	}

	for i, u := range remaining {
		u.conn.Send(protopeer.BuildPlaceInQueue(protopeer.PlaceInQueue{Filename: u.filename, Place: uint32(i + 1)}))
	}
}

// offer mints a token, registers the pending record, and sends
// TransferRequest, arming the 60s response timeout (spec.md §4.6 step 2).
func (m *Manager) offer(u *queuedUpload) {
	token := config.RandomToken()
	u.token = token
	u.phase = PhaseOffered

	m.mu.Lock()
	m.pendingByToken[token] = u
	m.pendingByUser[u.username] = append(m.pendingByUser[u.username], u)
	m.mu.Unlock()

	u.conn.Send(protopeer.BuildTransferRequest(protopeer.TransferRequest{
		Direction: protopeer.DirectionUpload, Token: token, Filename: u.filename, Size: u.size,
	}))

	timeout := config.Load().OfferResponseTimeout
	go func() {
		time.Sleep(timeout)
		m.mu.Lock()
		pending, stillPending := m.pendingByToken[token]
		m.mu.Unlock()
		if stillPending && pending.phase == PhaseOffered {
			m.failPending(token, "No response to TransferRequest", PhaseTimeout)
		}
	}()
}

// HandleTransferResponse processes the peer's answer to an offer (spec.md
// §4.6 step 3).
func (m *Manager) HandleTransferResponse(resp protopeer.TransferResponse) {
	m.mu.Lock()
	u, ok := m.pendingByToken[resp.Token]
	m.mu.Unlock()
	if !ok {
		return
	}

	if !resp.Allowed {
		m.failPending(resp.Token, resp.Reason, PhaseRejected)
		return
	}

	u.phase = PhaseAccepted
	u.transfer.SetStatus(transfer.StatusConnecting)
	go m.openFileChannel(u)
}

// openFileChannel opens the F channel -- direct first, falling back to an
// indirect pierced connection via the pool -- then streams the file
// (spec.md §4.6 step 4-6).
func (m *Manager) openFileChannel(u *queuedUpload) {
	u.phase = PhaseConnecting

	ctx, cancel := context.WithTimeout(context.Background(), config.Load().IndirectConnectTimeout+config.Load().DirectDialTimeout)
	defer cancel()

	conn, err := m.pool.GetOrOpen(ctx, u.username, peer.ChannelFile, nil, func() uint32 { return u.token })
	if err != nil {
		m.log.Warn("upload F channel unreachable", "user", u.username, "file", u.filename, "error", err)
		_ = m.server.CantConnectToPeer(u.token, u.username)
		m.failPending(u.token, "Peer unreachable (firewall)", PhaseFailed)
		return
	}
	defer conn.Close()

	if conn.Direction == peer.DirectionOutgoing {
		if err := peer.SendFileTransferInit(conn, u.token); err != nil {
			m.failPending(u.token, "FileTransferInit failed", PhaseFailed)
			return
		}
	}

	offset, err := peer.ReadResumeOffset(conn, config.Load().OffsetReadTimeout)
	if err != nil {
		m.failPending(u.token, "Resume offset not received", PhaseFailed)
		return
	}

	m.promoteToActive(u)
	m.stream(u, conn, offset)
}

func (m *Manager) promoteToActive(u *queuedUpload) {
	u.phase = PhaseTransferring
	u.transfer.SetStatus(transfer.StatusTransferring)

	m.mu.Lock()
	delete(m.pendingByToken, u.token)
	m.removeFromPendingByUser(u)
	m.active[u.transfer.ID.String()] = u
	m.mu.Unlock()
}

func (m *Manager) removeFromPendingByUser(u *queuedUpload) {
	list := m.pendingByUser[u.username]
	for i, p := range list {
		if p == u {
			m.pendingByUser[u.username] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.pendingByUser[u.username]) == 0 {
		delete(m.pendingByUser, u.username)
	}
}

// stream reads local_file[offset..size] and writes it in chunked writes,
// applying the speed cap, per spec.md §4.6 step 5.
func (m *Manager) stream(u *queuedUpload, conn *peer.Connection, offset uint64) {
	defer m.finishActive(u)

	f, err := os.Open(u.localPath)
	if err != nil {
		u.transfer.Fail("local file unreadable")
		return
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		u.transfer.Fail("seek to resume offset failed")
		return
	}

	chunkSize := config.Load().UploadChunkSize
	buf := make([]byte, chunkSize)
	remaining := u.size - offset

	for remaining > 0 {
		n := chunkSize
		if uint64(n) > remaining {
			n = int(remaining)
		}

		read, err := io.ReadFull(f, buf[:n])
		if err != nil && read == 0 {
			u.transfer.Fail("local file read error")
			return
		}

		if err := conn.SendRaw(buf[:read]); err != nil {
			u.transfer.Fail("peer connection lost mid-transfer")
			return
		}

		u.transfer.AddBytes(read)
		remaining -= uint64(read)

		if speedCap := config.Load().UploadSpeedCapBPS; speedCap > 0 {
			if rate := u.transfer.Speed(); rate > float64(speedCap) {
				overage := rate / float64(speedCap)
				time.Sleep(time.Duration(float64(time.Second) * (overage - 1)))
			}
		}
	}

	u.transfer.SetStatus(transfer.StatusCompleted)
}

func (m *Manager) finishActive(u *queuedUpload) {
	m.mu.Lock()
	delete(m.active, u.transfer.ID.String())
	m.mu.Unlock()

	m.pumpQueue()
}

func (m *Manager) failPending(token uint32, reason string, phase Phase) {
	m.mu.Lock()
	u, ok := m.pendingByToken[token]
	if ok {
		delete(m.pendingByToken, token)
		m.removeFromPendingByUser(u)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	u.phase = phase
	u.transfer.Fail(reason)
	m.pumpQueue()
}

// HandleFrame dispatches a P-channel frame received from username to the
// relevant handler. conn is passed so a fresh QueueUpload can reply on the
// same connection it arrived on.
func (m *Manager) HandleFrame(username string, conn *peer.Connection, code uint32, body []byte) {
	switch protopeer.Code(code) {
	case protopeer.CodeQueueUpload:
		filename, err := protopeer.ParseQueueUpload(body)
		if err != nil {
			m.log.Warn("malformed QueueUpload", "user", username, "error", err)
			return
		}
		m.HandleQueueUpload(username, filename, conn)

	case protopeer.CodeTransferResponse:
		resp, err := protopeer.ParseTransferResponse(body)
		if err != nil {
			m.log.Warn("malformed TransferResponse", "user", username, "error", err)
			return
		}
		m.HandleTransferResponse(*resp)

	case protopeer.CodePlaceInQueueRequest:
		filename, err := protopeer.ParsePlaceInQueueRequest(body)
		if err != nil {
			return
		}
		m.mu.Lock()
		pos, _ := m.queuePosition(username, filename)
		m.mu.Unlock()
		conn.Send(protopeer.BuildPlaceInQueue(protopeer.PlaceInQueue{Filename: filename, Place: uint32(pos)}))
	}
}

// Transfer returns the observable record for id, if still tracked.
func (m *Manager) Transfer(id string) (*transfer.Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.active[id]; ok {
		return u.transfer, true
	}
	for _, u := range m.queue {
		if u.transfer.ID.String() == id {
			return u.transfer, true
		}
	}
	for _, u := range m.pendingByToken {
		if u.transfer.ID.String() == id {
			return u.transfer, true
		}
	}
	return nil, false
}
