package peer

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/soulseek-go/slsk/internal/codec"
	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestConnectionSendPreservesOrder(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c := newConnection(Options{Log: discardLogger(), Conn: clientSide, Channel: ChannelPeer, Direction: DirectionOutgoing})
	c.setState(StateConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.run(ctx)

	payloads := [][]byte{
		codec.NewWriter().WriteU32(1).Bytes(),
		codec.NewWriter().WriteU32(2).WriteString("two").Bytes(),
		codec.NewWriter().WriteU32(3).Bytes(),
	}
	for _, p := range payloads {
		c.Send(p)
	}

	for i, want := range payloads {
		serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
		frame, err := codec.ReadFrame(serverSide)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if string(frame.Payload) != string(want) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
}

func TestConnectionReceiveDispatchesFrames(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	received := make(chan uint32, 4)
	c := newConnection(Options{
		Log: discardLogger(), Conn: serverSide, Channel: ChannelPeer, Direction: DirectionIncoming,
		OnFrame: func(code uint32, body []byte) { received <- code },
	})
	c.setState(StateConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	if err := codec.WriteFrame(clientSide, codec.NewWriter().WriteU32(7).Bytes()); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case code := <-received:
		if code != 7 {
			t.Fatalf("code = %d, want 7", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatched frame")
	}
}

func TestReceiveRawExactReadsExactBytes(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	c := newConnection(Options{Log: discardLogger(), Conn: serverSide, Channel: ChannelFile, Direction: DirectionIncoming})

	go func() {
		_, _ = clientSide.Write([]byte{1, 2, 3, 4})
	}()

	got, err := c.ReceiveRawExact(4, time.Second)
	if err != nil {
		t.Fatalf("ReceiveRawExact: %v", err)
	}
	if len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("got %v", got)
	}
}

func TestDialPierceSendsPierceFirewall(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port uint16
	for _, ch := range portStr {
		port = port*10 + uint16(ch-'0')
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialPierce(ctx, discardLogger(), host, port, "bob", ChannelPeer, 77, nil)
	if err != nil {
		t.Fatalf("DialPierce: %v", err)
	}
	defer conn.Close()

	var serverSide net.Conn
	select {
	case serverSide = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted")
	}
	defer serverSide.Close()

	serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := codec.ReadFrame(serverSide)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, body, err := codec.CodeU8(frame.Payload)
	if err != nil {
		t.Fatalf("CodeU8: %v", err)
	}
	if code != 0 { // CodePierceFirewall
		t.Fatalf("code = %v, want PierceFirewall(0)", code)
	}
	pierce, err := protopeer.ParsePierceFirewall(body)
	if err != nil {
		t.Fatalf("ParsePierceFirewall: %v", err)
	}
	if pierce.Token != 77 {
		t.Fatalf("token = %d, want 77", pierce.Token)
	}
}
