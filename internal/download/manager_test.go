package download

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/peer"
	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
	"github.com/soulseek-go/slsk/internal/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestConnection(t *testing.T, netConn net.Conn) *peer.Connection {
	t.Helper()
	conn := peer.AdoptIncoming(discardLogger(), netConn, peer.ChannelPeer, "alice", nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go conn.Run(ctx)
	return conn
}

func TestEnqueueSendsQueueUpload(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	m := NewManager(discardLogger())
	conn := newTestConnection(t, clientSide)

	dest := filepath.Join(t.TempDir(), "song.mp3")
	m.Enqueue("alice", "music\\song.mp3", dest, conn)

	serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := codec.ReadFrame(serverSide)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, body, _ := codec.CodeU32(frame.Payload)
	if protopeer.Code(code) != protopeer.CodeQueueUpload {
		t.Fatalf("code = %v, want QueueUpload", code)
	}
	filename, _ := protopeer.ParseQueueUpload(body)
	if filename != "music\\song.mp3" {
		t.Fatalf("filename = %q", filename)
	}
}

func TestHandleTransferRequestAcceptsAndRegistersToken(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	m := NewManager(discardLogger())
	conn := newTestConnection(t, clientSide)

	dest := filepath.Join(t.TempDir(), "song.mp3")
	m.Enqueue("alice", "song.mp3", dest, conn)

	serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := codec.ReadFrame(serverSide); err != nil { // drain QueueUpload
		t.Fatalf("drain QueueUpload: %v", err)
	}

	m.HandleFrame("alice", conn, uint32(protopeer.CodeTransferRequest), protopeer.BuildTransferRequest(protopeer.TransferRequest{
		Direction: protopeer.DirectionUpload, Token: 99, Filename: "song.mp3", Size: 5,
	})[4:])

	frame, err := codec.ReadFrame(serverSide)
	if err != nil {
		t.Fatalf("ReadFrame response: %v", err)
	}
	code, body, _ := codec.CodeU32(frame.Payload)
	if protopeer.Code(code) != protopeer.CodeTransferResponse {
		t.Fatalf("code = %v, want TransferResponse", code)
	}
	resp, _ := protopeer.ParseTransferResponse(body)
	if !resp.Allowed || resp.Token != 99 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	m.mu.Lock()
	_, ok := m.pendingByToken[99]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("expected pending entry registered under token 99")
	}
}

func TestAdoptFileChannelWritesReceivedBytesToDisk(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	dest := filepath.Join(t.TempDir(), "song.mp3")
	m := NewManager(discardLogger())

	m.mu.Lock()
	p := &pendingDownload{
		username: "alice", filename: "song.mp3", destination: dest, size: 5,
		transfer: transfer.New("alice", "song.mp3", 5, transfer.DirectionDownload),
	}
	m.pendingByToken[7] = p
	m.mu.Unlock()

	fConn := peer.AdoptIncoming(discardLogger(), serverSide, peer.ChannelFile, "alice", nil)
	m.AdoptFileChannel(7, fConn)

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	offsetRaw := make([]byte, 8)
	if _, err := io.ReadFull(clientSide, offsetRaw); err != nil {
		t.Fatalf("read resume offset: %v", err)
	}

	if _, err := clientSide.Write([]byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	clientSide.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.transfer.Status() == transfer.StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.transfer.Status() != transfer.StatusCompleted {
		t.Fatalf("status = %v, want completed", p.transfer.Status())
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("content = %q, want %q", got, "hello")
	}
}
