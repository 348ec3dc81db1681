package distributed

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/events"
	"github.com/soulseek-go/slsk/internal/peer"
	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
	protoserver "github.com/soulseek-go/slsk/internal/protocol/server"
	"github.com/soulseek-go/slsk/internal/shares"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeServerLink struct{ calls chan bool }

func (f *fakeServerLink) HaveNoParent(haveNoParent bool) error {
	if f.calls != nil {
		f.calls <- haveNoParent
	}
	return nil
}

type fakeShares struct{ hits []shares.Entry }

func (f *fakeShares) Lookup(sharedPath string) (shares.Entry, bool) { return shares.Entry{}, false }
func (f *fakeShares) Search(query string) []shares.Entry            { return f.hits }

func listenerAddr(t *testing.T, l net.Listener) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return host, uint16(port)
}

func TestHandlePossibleParentsAttachesOverD(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	host, port := listenerAddr(t, ln)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	server := &fakeServerLink{calls: make(chan bool, 1)}
	l := NewLeaf(discardLogger(), peer.NewPool(discardLogger(), nil, events.NewBus()), &fakeShares{}, server)

	l.HandlePossibleParents(context.Background(), []protoserver.PossibleParent{
		{Username: "parentuser", IP: host, Port: port},
	})

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("parent never accepted a connection")
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame (PeerInit): %v", err)
	}
	_ = frame

	if !l.HasParent() {
		t.Fatal("expected HasParent() true after successful dial")
	}

	select {
	case v := <-server.calls:
		if v {
			t.Fatal("expected HaveNoParent(false)")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HaveNoParent was never called")
	}
}

func TestHandleSearchRequestRepliesWhenSharesMatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	host, port := listenerAddr(t, ln)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	resolver := &fixedResolver{ip: host, port: port}
	pool := peer.NewPool(discardLogger(), resolver, events.NewBus())
	hits := []shares.Entry{{SharedPath: "a.mp3", File: protopeer.SharedFile{Filename: "a.mp3", Size: 123}}}
	l := NewLeaf(discardLogger(), pool, &fakeShares{hits: hits}, &fakeServerLink{})

	l.handleSearchRequest("searcher", 42, "some query")

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("searcher never accepted a connection")
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := codec.ReadFrame(conn); err != nil { // PeerInit handshake
		t.Fatalf("ReadFrame (PeerInit): %v", err)
	}

	frame, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame (SearchReply): %v", err)
	}
	code, body, err := codec.CodeU32(frame.Payload)
	if err != nil {
		t.Fatalf("CodeU32: %v", err)
	}
	if protopeer.Code(code) != protopeer.CodeSearchReply {
		t.Fatalf("code = %v, want SearchReply", code)
	}
	reply, err := protopeer.ParseSearchReply(body, 100_000, 100)
	if err != nil {
		t.Fatalf("ParseSearchReply: %v", err)
	}
	if reply.Token != 42 || len(reply.Files) != 1 || reply.Files[0].Filename != "a.mp3" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

type fixedResolver struct {
	ip   string
	port uint16
}

func (f *fixedResolver) ResolvePeerAddress(ctx context.Context, username string) (string, uint16, error) {
	return f.ip, f.port, nil
}
func (f *fixedResolver) ConnectToPeer(token uint32, username string, channel peer.Channel) {}
