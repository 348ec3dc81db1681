// Package peer implements one framed connection to another client (P/F/D
// channel handshake and dispatch) and the pool that manages many of them
// (spec.md §4.4 "PeerConnection", §4.5 "PeerConnectionPool").
package peer

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/config"
	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
)

// Channel identifies which of the three connection families this link
// carries (spec.md GLOSSARY "P channel / F channel / D channel").
type Channel string

const (
	ChannelPeer        Channel = "P"
	ChannelFile        Channel = "F"
	ChannelDistributed Channel = "D"
)

// Direction records which side initiated the TCP connection.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// State is the connection's lifecycle stage (spec.md §3 "state").
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FrameHandler is called for every framed P/D-channel message received
// after the handshake. code is the u32 message code; body is everything
// after it.
type FrameHandler func(code uint32, body []byte)

// Connection is one framed TCP link to a peer. The P/D channels carry
// framed messages dispatched to a FrameHandler; the F channel is framed
// only for the opening handshake, after which SendRaw/ReceiveRawExact take
// over (spec.md §4.4).
type Connection struct {
	log    *slog.Logger
	conn   net.Conn
	Channel   Channel
	Direction Direction

	username atomic.Value // string
	state    atomic.Int32

	remoteIP   string
	remotePort uint16

	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	connectedAt  time.Time
	lastActivity atomic.Int64

	onFrame FrameHandler

	outbox chan []byte
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc
}

// Options configures a new Connection.
type Options struct {
	Log       *slog.Logger
	Conn      net.Conn
	Channel   Channel
	Direction Direction
	OnFrame   FrameHandler // nil for raw-only F connections
}

func newConnection(opts Options) *Connection {
	c := &Connection{
		log:       opts.Log,
		conn:      opts.Conn,
		Channel:   opts.Channel,
		Direction: opts.Direction,
		onFrame:   opts.OnFrame,
		outbox:    make(chan []byte, config.Load().PeerOutboundQueueBacklog),
		closed:    make(chan struct{}),
	}
	c.username.Store("")
	c.state.Store(int32(StateConnecting))
	c.connectedAt = time.Now()
	c.touch()

	if tcp, ok := opts.Conn.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := tcp.RemoteAddr(); addr != nil {
			host, port := splitHostPort(addr.String())
			c.remoteIP, c.remotePort = host, port
		}
	}

	return c
}

func (c *Connection) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *Connection) Idleness() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Connection) Username() string { v, _ := c.username.Load().(string); return v }
func (c *Connection) setUsername(u string) { c.username.Store(u) }

func (c *Connection) State() State { return State(c.state.Load()) }
func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

func (c *Connection) RemoteIP() string    { return c.remoteIP }
func (c *Connection) RemotePort() uint16  { return c.remotePort }
func (c *Connection) BytesIn() uint64     { return c.bytesIn.Load() }
func (c *Connection) BytesOut() uint64    { return c.bytesOut.Load() }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// run starts the read/write loops for a framed (P or D) connection and
// blocks until the connection fails or ctx is cancelled. The F channel
// does not call run after its handshake; it uses SendRaw/ReceiveRawExact
// directly on the caller's goroutine instead.
func (c *Connection) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })

	return g.Wait()
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if d := config.Load().PeerReadTimeout; d > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(d))
		}

		frame, err := codec.ReadFrame(c.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.setState(StateFailed)
			return err
		}

		c.touch()
		c.bytesIn.Add(uint64(len(frame.Payload)))

		code, body, err := codec.CodeU32(frame.Payload)
		if err != nil {
			c.log.Warn("malformed peer frame, skipping", "error", err)
			continue
		}

		if c.onFrame != nil {
			c.onFrame(code, body)
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := c.writeFrame(payload); err != nil {
				c.setState(StateFailed)
				return err
			}
		}
	}
}

func (c *Connection) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d := config.Load().PeerWriteTimeout; d > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	}
	if err := codec.WriteFrame(c.conn, payload); err != nil {
		return err
	}
	c.bytesOut.Add(uint64(len(payload)))
	c.touch()
	return nil
}

// Send enqueues payload for serialized delivery, preserving per-connection
// submission order (spec.md §5 "Ordering guarantees"). A nil payload is a
// bare keepalive (empty frame).
func (c *Connection) Send(payload []byte) {
	select {
	case c.outbox <- payload:
	case <-c.closed:
	}
}

// SendRaw writes b directly to the socket with no framing, for F-channel
// streaming (spec.md §4.4 "send_raw").
func (c *Connection) SendRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d := config.Load().PeerWriteTimeout; d > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	}
	n, err := c.conn.Write(b)
	c.bytesOut.Add(uint64(n))
	c.touch()
	return err
}

// ReceiveRawExact reads exactly n unframed bytes within timeout, for
// F-channel primitives (FileTransferInit token, resume offset).
func (c *Connection) ReceiveRawExact(n int, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, errors.Wrap(err, "receive_raw_exact")
	}
	c.bytesIn.Add(uint64(n))
	c.touch()
	return buf, nil
}

// StreamTo copies exactly n raw bytes from the connection into dst,
// updating progress after each chunk via onChunk. Used by DownloadManager
// to write received bytes straight to disk (spec.md §4.7).
func (c *Connection) StreamTo(dst io.Writer, n int64, onChunk func(int)) (int64, error) {
	_ = c.conn.SetReadDeadline(time.Time{}) // streaming transfers are not bounded by the idle read timeout
	written, err := io.CopyN(dst, countingReader{r: c.conn, onRead: onChunk}, n)
	c.bytesIn.Add(uint64(written))
	c.touch()
	return written, err
}

type countingReader struct {
	r      io.Reader
	onRead func(int)
}

func (cr countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 && cr.onRead != nil {
		cr.onRead(n)
	}
	return n, err
}

// Close flushes enqueued sends, waits briefly for TCP to drain, then tears
// the connection down (spec.md §4.4 "close").
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(config.Load().CloseDrainTimeout)
		for len(c.outbox) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if c.cancel != nil {
			c.cancel()
		}
		close(c.closed)
		time.Sleep(config.Load().CloseDrainTimeout)
		_ = c.conn.Close()
		if c.State() != StateFailed {
			c.setState(StateDisconnected)
		}
	})
}

func splitHostPort(hostport string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	var port uint16
	for _, ch := range portStr {
		if ch < '0' || ch > '9' {
			return host, 0
		}
		port = port*10 + uint16(ch-'0')
	}
	return host, port
}

// DialDirect opens an outgoing connection and performs the direct-dial
// PeerInit handshake (spec.md §4.4 "Outgoing direct").
func DialDirect(ctx context.Context, log *slog.Logger, ip string, port uint16, username string, channel Channel, token uint32, onFrame FrameHandler) (*Connection, error) {
	dialer := net.Dialer{Timeout: config.Load().DirectDialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	if err != nil {
		return nil, errors.Wrap(err, "direct dial failed")
	}

	c := newConnection(Options{Log: log, Conn: netConn, Channel: channel, Direction: DirectionOutgoing, OnFrame: onFrame})
	c.setState(StateHandshaking)

	if err := codec.WriteFrame(netConn, protopeer.BuildPeerInit(protopeer.Init{Username: username, Channel: string(channel), Token: token})); err != nil {
		_ = netConn.Close()
		c.setState(StateFailed)
		return nil, errors.Wrap(err, "PeerInit write failed")
	}

	c.setUsername(username)
	c.setState(StateConnected)
	return c, nil
}

// DialPierce opens an outgoing connection and sends PierceFirewall(token)
// instead of PeerInit, fulfilling a ConnectToPeerInvite the server relayed
// to us on behalf of a peer that could not direct-dial us (spec.md §4.4,
// §4.5 step 3 mirrored from the invited side).
func DialPierce(ctx context.Context, log *slog.Logger, ip string, port uint16, username string, channel Channel, token uint32, onFrame FrameHandler) (*Connection, error) {
	dialer := net.Dialer{Timeout: config.Load().DirectDialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	if err != nil {
		return nil, errors.Wrap(err, "pierce dial failed")
	}

	c := newConnection(Options{Log: log, Conn: netConn, Channel: channel, Direction: DirectionOutgoing, OnFrame: onFrame})
	c.setState(StateHandshaking)

	if err := codec.WriteFrame(netConn, protopeer.BuildPierceFirewall(token)); err != nil {
		_ = netConn.Close()
		c.setState(StateFailed)
		return nil, errors.Wrap(err, "PierceFirewall write failed")
	}

	c.setUsername(username)
	c.setState(StateConnected)
	return c, nil
}

// ReadHandshake reads the one framed, u8-coded message every incoming
// connection opens with -- PeerInit or PierceFirewall -- before the caller
// decides how to adopt it (spec.md §4.4 "Incoming: read one message").
func ReadHandshake(netConn net.Conn) (code uint8, body []byte, err error) {
	frame, err := codec.ReadFrame(netConn)
	if err != nil {
		return 0, nil, errors.Wrap(err, "read handshake frame")
	}
	return codec.CodeU8(frame.Payload)
}

// AdoptIncoming wraps an accepted net.Conn whose handshake has already been
// read by the caller (who must have peeked PeerInit or PierceFirewall to
// decide username/channel before calling this).
func AdoptIncoming(log *slog.Logger, netConn net.Conn, channel Channel, username string, onFrame FrameHandler) *Connection {
	c := newConnection(Options{Log: log, Conn: netConn, Channel: channel, Direction: DirectionIncoming, OnFrame: onFrame})
	c.setUsername(username)
	c.setState(StateConnected)
	return c
}

// Run starts the framed read/write loops; blocks until failure or ctx done.
func (c *Connection) Run(ctx context.Context) error { return c.run(ctx) }
