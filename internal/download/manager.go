// Package download implements the requester side of a file transfer:
// enqueueing against a remote peer, accepting the offer, adopting the
// incoming F channel, and writing received bytes to disk (spec.md §4.7
// "DownloadManager").
package download

import (
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/soulseek-go/slsk/internal/config"
	"github.com/soulseek-go/slsk/internal/peer"
	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
	"github.com/soulseek-go/slsk/internal/transfer"
)

type pendingDownload struct {
	transfer    *transfer.Transfer
	username    string
	filename    string
	destination string
	size        uint64
	token       uint32
}

// Manager tracks outbound requests (P-channel QueueUpload we sent) and the
// incoming F channels that eventually fulfil them (spec.md §4.7).
type Manager struct {
	log *slog.Logger

	mu             sync.Mutex
	requested      map[string]*pendingDownload // by "username\x00filename"
	pendingByToken map[uint32]*pendingDownload
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		log:            log,
		requested:      make(map[string]*pendingDownload),
		pendingByToken: make(map[uint32]*pendingDownload),
	}
}

func requestKey(username, filename string) string { return username + "\x00" + filename }

// Enqueue sends QueueUpload(filename) to username over conn (their P
// connection) and registers the request so a later TransferRequest can be
// matched (spec.md §4.7 step 1).
func (m *Manager) Enqueue(username, filename, destination string, conn *peer.Connection) {
	p := &pendingDownload{username: username, filename: filename, destination: destination}

	m.mu.Lock()
	m.requested[requestKey(username, filename)] = p
	m.mu.Unlock()

	conn.Send(protopeer.BuildQueueUpload(filename))
}

// HandleFrame dispatches a P-channel frame from username relevant to an
// outstanding download request.
func (m *Manager) HandleFrame(username string, conn *peer.Connection, code uint32, body []byte) {
	switch protopeer.Code(code) {
	case protopeer.CodeTransferRequest:
		req, err := protopeer.ParseTransferRequest(body)
		if err != nil || req.Direction != protopeer.DirectionUpload {
			return
		}
		m.handleTransferRequest(username, *req, conn)

	case protopeer.CodePlaceInQueue:
		// informational; this manager does not record the queue position.

	case protopeer.CodeUploadDenied:
		denied, err := protopeer.ParseUploadDenied(body)
		if err != nil {
			return
		}
		m.failRequest(username, denied.Filename, denied.Reason)

	case protopeer.CodeUploadFailed:
		failed, err := protopeer.ParseUploadFailed(body)
		if err != nil {
			return
		}
		m.failRequest(username, failed.Filename, "upload failed on peer's side")
	}
}

// handleTransferRequest accepts the peer's offer and registers the pending
// entry under its token, awaiting the F channel (spec.md §4.7 step 2).
func (m *Manager) handleTransferRequest(username string, req protopeer.TransferRequest, conn *peer.Connection) {
	m.mu.Lock()
	p, ok := m.requested[requestKey(username, req.Filename)]
	if ok {
		delete(m.requested, requestKey(username, req.Filename))
	}
	m.mu.Unlock()

	if !ok {
		conn.Send(protopeer.BuildTransferResponse(protopeer.TransferResponse{Token: req.Token, Allowed: false, Reason: "Not requested"}))
		return
	}

	p.size = req.Size
	p.token = req.Token
	p.transfer = transfer.New(username, req.Filename, req.Size, transfer.DirectionDownload)
	p.transfer.SetStatus(transfer.StatusConnecting)

	m.mu.Lock()
	m.pendingByToken[req.Token] = p
	m.mu.Unlock()

	conn.Send(protopeer.BuildTransferResponse(protopeer.TransferResponse{Token: req.Token, Allowed: true}))
}

func (m *Manager) failRequest(username, filename, reason string) {
	m.mu.Lock()
	p, ok := m.requested[requestKey(username, filename)]
	if ok {
		delete(m.requested, requestKey(username, filename))
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if p.transfer == nil {
		p.transfer = transfer.New(username, filename, 0, transfer.DirectionDownload)
	}
	p.transfer.Fail(reason)
}

// AdoptFileChannel is called once the F channel for token arrives --
// whether PeerInit'd directly or pierced indirectly -- matches it to a
// pending download, computes the resume offset from any partial local
// file, sends it, and streams the body to disk (spec.md §4.7 step 3-4).
func (m *Manager) AdoptFileChannel(token uint32, conn *peer.Connection) {
	m.mu.Lock()
	p, ok := m.pendingByToken[token]
	if ok {
		delete(m.pendingByToken, token)
	}
	m.mu.Unlock()

	if !ok {
		conn.Close()
		return
	}

	go m.receive(p, conn)
}

func (m *Manager) receive(p *pendingDownload, conn *peer.Connection) {
	defer conn.Close()

	offset := partialFileSize(p.destination)

	if err := peer.SendResumeOffset(conn, offset); err != nil {
		p.transfer.Fail("failed to send resume offset")
		return
	}

	f, err := os.OpenFile(p.destination, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.transfer.Fail("cannot open destination file")
		return
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		p.transfer.Fail("seek to resume offset failed")
		return
	}

	p.transfer.SetStatus(transfer.StatusTransferring)

	// io.CopyN inside StreamTo reads exactly `want` bytes and no more; any
	// bytes the peer sends beyond that are left unread and discarded when
	// conn.Close() tears the socket down above.
	want := p.size - offset
	if _, err := conn.StreamTo(f, int64(want), p.transfer.AddBytes); err != nil {
		p.transfer.Fail("short read: connection closed before transfer completed")
		return
	}
	p.transfer.SetStatus(transfer.StatusCompleted)
}

func partialFileSize(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// AcceptIncoming wraps an accepted net.Conn whose PeerInit handshake (type
// "F") the caller has already read, reads the FileTransferInit token, and
// adopts it. Called by the listener accept loop (spec.md §4.4 "Incoming").
func (m *Manager) AcceptIncoming(log *slog.Logger, netConn net.Conn, username string) {
	conn := peer.AdoptIncoming(log, netConn, peer.ChannelFile, username, nil)
	token, err := peer.ReadFileTransferInit(conn, config.Load().OffsetReadTimeout)
	if err != nil {
		conn.Close()
		return
	}
	m.AdoptFileChannel(token, conn)
}
