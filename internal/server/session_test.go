package server

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/events"
	protoserver "github.com/soulseek-go/slsk/internal/protocol/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLoginSuccessStartsSessionLoops(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	s := New(discardLogger(), events.NewBus())
	s.conn = clientSide

	go func() {
		frame, err := codec.ReadFrame(serverSide)
		if err != nil {
			return
		}
		code, _, _ := codec.CodeU32(frame.Payload)
		if protoserver.Code(code) != protoserver.CodeLogin {
			t.Errorf("code = %v, want Login", code)
		}
		w := codec.NewWriter()
		w.WriteBool(true)
		w.WriteString("welcome")
		w.WriteIPv4([4]byte{127, 0, 0, 1})
		_ = codec.WriteFrame(serverSide, w.Bytes())
	}()

	res, err := s.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.Success || res.Greeting != "welcome" {
		t.Fatalf("unexpected result: %+v", res)
	}

	s.Close()
}

func TestLoginFailureDoesNotStartSessionLoops(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	s := New(discardLogger(), events.NewBus())
	s.conn = clientSide

	go func() {
		if _, err := codec.ReadFrame(serverSide); err != nil {
			return
		}
		w := codec.NewWriter()
		w.WriteBool(false)
		w.WriteString("invalid username/password")
		_ = codec.WriteFrame(serverSide, w.Bytes())
	}()

	res, err := s.Login(context.Background(), "alice", "wrong")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Reason != "invalid username/password" {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestDispatchEmitsPeerAddressAndResolvesWaiters(t *testing.T) {
	bus := events.NewBus()
	s := New(discardLogger(), bus)

	emitted := make(chan protoserver.PeerAddress, 1)
	bus.PeerAddress.Add(func(pa protoserver.PeerAddress) { emitted <- pa })

	w := codec.NewWriter()
	w.WriteString("bob")
	w.WriteIPv4([4]byte{10, 0, 0, 1})
	w.WriteU32(2234)

	s.dispatch(protoserver.CodeGetPeerAddress, w.Bytes())

	select {
	case pa := <-emitted:
		if pa.Username != "bob" || pa.Port != 2234 {
			t.Fatalf("unexpected PeerAddress: %+v", pa)
		}
	case <-time.After(time.Second):
		t.Fatal("PeerAddress event was not emitted")
	}
}

func TestResolvePeerAddressWaitsForPush(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	s := New(discardLogger(), events.NewBus())
	s.conn = clientSide

	go func() {
		frame, err := codec.ReadFrame(serverSide)
		if err != nil {
			return
		}
		code, body, _ := codec.CodeU32(frame.Payload)
		if protoserver.Code(code) != protoserver.CodeGetPeerAddress {
			return
		}
		r := codec.NewReader(body)
		username, _ := r.ReadString()

		w := codec.NewWriter()
		w.WriteString(username)
		w.WriteIPv4([4]byte{192, 168, 1, 5})
		w.WriteU32(2235)
		s.dispatch(protoserver.CodeGetPeerAddress, w.Bytes())
	}()

	ip, port, err := s.ResolvePeerAddress(context.Background(), "carol")
	if err != nil {
		t.Fatalf("ResolvePeerAddress: %v", err)
	}
	if ip != "192.168.1.5" || port != 2235 {
		t.Fatalf("got ip=%s port=%d", ip, port)
	}
}
