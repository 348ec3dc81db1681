package peer

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/soulseek-go/slsk/internal/events"
)

type fakeResolver struct {
	ip            string
	port          uint16
	connectCalled chan uint32
}

func (f *fakeResolver) ResolvePeerAddress(ctx context.Context, username string) (string, uint16, error) {
	return f.ip, f.port, nil
}

func (f *fakeResolver) ConnectToPeer(token uint32, username string, channel Channel) {
	if f.connectCalled != nil {
		f.connectCalled <- token
	}
}

func TestPoolGetOrOpenDirectSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = conn.Read(buf)
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	resolver := &fakeResolver{ip: "127.0.0.1", port: uint16(port)}
	pool := NewPool(discardLogger(), resolver, events.NewBus())

	conn, err := pool.GetOrOpen(context.Background(), "alice", ChannelPeer, nil, func() uint32 { return 1 })
	if err != nil {
		t.Fatalf("GetOrOpen: %v", err)
	}
	if conn.Username() != "alice" || conn.State() != StateConnected {
		t.Fatalf("unexpected connection: user=%q state=%v", conn.Username(), conn.State())
	}

	again, ok := pool.Get("alice", ChannelPeer)
	if !ok || again != conn {
		t.Fatalf("Get did not return the pooled connection")
	}
}

func TestPoolGetOrOpenFallsBackToIndirectAndAdoptsPierced(t *testing.T) {
	// Port 1 on loopback should refuse immediately in this sandboxed env.
	resolver := &fakeResolver{ip: "127.0.0.1", port: 1, connectCalled: make(chan uint32, 1)}
	pool := NewPool(discardLogger(), resolver, events.NewBus())

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	var gotConn *Connection
	var gotErr error

	go func() {
		gotConn, gotErr = pool.GetOrOpen(context.Background(), "bob", ChannelPeer, nil, func() uint32 { return 55 })
		close(done)
	}()

	select {
	case token := <-resolver.connectCalled:
		if token != 55 {
			t.Fatalf("token = %d, want 55", token)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ConnectToPeer was not called after direct dial failure")
	}

	if ok := pool.AdoptPierced(55, serverSide, nil); !ok {
		t.Fatalf("AdoptPierced failed to find pending intent")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("GetOrOpen did not return after pierced adoption")
	}

	if gotErr != nil {
		t.Fatalf("GetOrOpen: %v", gotErr)
	}
	if gotConn.Username() != "bob" {
		t.Fatalf("username = %q, want bob", gotConn.Username())
	}
}

func TestPoolDuplicateLiveConnectionRejected(t *testing.T) {
	resolver := &fakeResolver{}
	pool := NewPool(discardLogger(), resolver, events.NewBus())

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c1 := newConnection(Options{Log: discardLogger(), Conn: a, Channel: ChannelPeer})
	c1.setUsername("carol")
	c1.setState(StateConnected)
	if err := pool.AdoptDirect(c1); err != nil {
		t.Fatalf("first adopt: %v", err)
	}

	c2 := newConnection(Options{Log: discardLogger(), Conn: b, Channel: ChannelPeer})
	c2.setUsername("carol")
	c2.setState(StateConnected)
	if err := pool.AdoptDirect(c2); err == nil {
		t.Fatalf("expected duplicate live connection to be rejected")
	}
}
