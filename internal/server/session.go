// Package server implements the TCP session to the central SoulSeek
// server: login, keepalive, request/response operations, and the
// server-push event stream (spec.md §4.3 "ServerSession").
package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/config"
	"github.com/soulseek-go/slsk/internal/events"
	"github.com/soulseek-go/slsk/internal/peer"
	protoserver "github.com/soulseek-go/slsk/internal/protocol/server"
	"github.com/soulseek-go/slsk/pkg/retry"
)

// Session owns the TCP connection to the central server and translates
// between the typed protoserver messages and the Bus event stream
// subsystems subscribe to (spec.md §4.3).
type Session struct {
	log  *slog.Logger
	bus  *events.Bus
	conn net.Conn

	writeMu sync.Mutex

	pendingPeerAddr   map[string][]chan protoserver.PeerAddress
	pendingPeerAddrMu sync.Mutex

	closeOnce sync.Once
	cancel    context.CancelFunc
}

func New(log *slog.Logger, bus *events.Bus) *Session {
	return &Session{
		log:             log,
		bus:             bus,
		pendingPeerAddr: make(map[string][]chan protoserver.PeerAddress),
	}
}

// Connect dials the server (spec.md §4.3 "connect(host, port)"). The initial
// TCP dial is retried with exponential backoff, bounded by ctx -- the spec
// only specifies login failure reasons, not whether the dial itself gets
// retried, so this mirrors how the rest of the pack retries transient dial
// failures rather than surfacing the first transient hiccup as fatal.
func (s *Session) Connect(ctx context.Context, host string, port uint16) error {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	dialer := net.Dialer{Timeout: config.Load().DirectDialTimeout}

	var conn net.Conn
	err := retry.Do(ctx, func(ctx context.Context) error {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, retry.WithExponentialBackoff(5, 200*time.Millisecond, 5*time.Second)...)
	if err != nil {
		return errors.Wrap(err, "server connect")
	}

	s.conn = conn
	return nil
}

// LoginResult is returned by Login (spec.md §4.3 "login").
type LoginResult struct {
	Greeting string
	IP       string
	Reason   string
	Success  bool
}

// Login authenticates and, on success, starts the read and keepalive loops that
// carry the rest of the session (spec.md §4.3 "login(user, pass)").
func (s *Session) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	sum := md5.Sum([]byte(username + password))
	req := protoserver.LoginRequest{Username: username, Password: password, PasswordMD5Hex: hex.EncodeToString(sum[:])}

	if err := s.writeFrame(protoserver.BuildLogin(req)); err != nil {
		return nil, errors.Wrap(err, "write login")
	}

	deadline := time.Now().Add(config.Load().LoginTimeout)
	_ = s.conn.SetReadDeadline(deadline)
	frame, err := codec.ReadFrame(s.conn)
	if err != nil {
		return nil, errors.Wrap(err, "read login response")
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	_, body, err := codec.CodeU32(frame.Payload)
	if err != nil {
		return nil, err
	}
	res, err := protoserver.ParseLoginResult(body)
	if err != nil {
		return nil, err
	}

	result := &LoginResult{Success: res.Success, Greeting: res.Greeting, IP: res.IP, Reason: res.Reason}
	if !res.Success {
		return result, nil
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(sessionCtx)

	return result, nil
}

func (s *Session) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.keepAliveLoop(gctx) })

	if err := g.Wait(); err != nil {
		s.log.Warn("server session ended", "error", err)
		s.bus.ServerDisconnected.Emit(events.ServerDisconnected{Reason: err})
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := codec.ReadFrame(s.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "server session lost")
		}

		code, body, err := codec.CodeU32(frame.Payload)
		if err != nil {
			s.log.Warn("malformed server frame, skipping", "error", err)
			continue
		}

		s.dispatch(protoserver.Code(code), body)
	}
}

func (s *Session) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = s.writeFrame(protoserver.BuildPing())
		}
	}
}

// dispatch fans an inbound server message out to the Bus, per spec.md §4.3
// "Server-push events become an event stream". Any frame-decode error here
// is logged and skipped, never terminating the session (spec.md §7
// "ProtocolError").
func (s *Session) dispatch(code protoserver.Code, body []byte) {
	limits := config.Load()

	switch code {
	case protoserver.CodeGetPeerAddress:
		pa, err := protoserver.ParsePeerAddress(body)
		if err != nil {
			s.log.Warn("malformed PeerAddress", "error", err)
			return
		}
		s.resolvePeerAddrWaiters(*pa)
		s.bus.PeerAddress.Emit(*pa)

	case protoserver.CodeConnectToPeer:
		invite, err := protoserver.ParseConnectToPeer(body)
		if err != nil {
			s.log.Warn("malformed ConnectToPeer", "error", err)
			return
		}
		s.bus.ConnectToPeer.Emit(*invite)

	case protoserver.CodeCantConnectToPeer:
		cc, err := protoserver.ParseCantConnectToPeer(body)
		if err != nil {
			s.log.Warn("malformed CantConnectToPeer", "error", err)
			return
		}
		s.bus.CantConnectToPeer.Emit(*cc)

	case protoserver.CodeGetUserStatus:
		us, err := protoserver.ParseUserStatus(body)
		if err != nil {
			s.log.Warn("malformed UserStatus", "error", err)
			return
		}
		s.bus.UserStatus.Emit(*us)

	case protoserver.CodePrivateMessages:
		msgs, err := protoserver.ParsePrivateMessages(body, limits.MaxListCount)
		if err != nil {
			s.log.Warn("malformed PrivateMessages", "error", err)
			return
		}
		for _, m := range msgs {
			s.bus.PrivateMessage.Emit(m)
		}

	case protoserver.CodeSayInChatRoom:
		cm, err := protoserver.ParseSayInChatRoom(body)
		if err != nil {
			s.log.Warn("malformed SayInChatRoom", "error", err)
			return
		}
		s.bus.ChatMessage.Emit(*cm)

	case protoserver.CodeRoomList:
		rl, err := protoserver.ParseRoomList(body, limits.MaxListCount)
		if err != nil {
			s.log.Warn("malformed RoomList", "error", err)
			return
		}
		s.bus.RoomList.Emit(*rl)

	case protoserver.CodeUserJoinedRoom:
		rc, err := protoserver.ParseUserJoinedRoom(body)
		if err != nil {
			s.log.Warn("malformed UserJoinedRoom", "error", err)
			return
		}
		s.bus.RoomMembership.Emit(*rc)

	case protoserver.CodeUserLeftRoom:
		rc, err := protoserver.ParseUserLeftRoom(body)
		if err != nil {
			s.log.Warn("malformed UserLeftRoom", "error", err)
			return
		}
		s.bus.RoomMembership.Emit(*rc)

	case protoserver.CodePossibleParents:
		parents, err := protoserver.ParsePossibleParents(body, limits.MaxListCount)
		if err != nil {
			s.log.Warn("malformed PossibleParents", "error", err)
			return
		}
		s.bus.PossibleParents.Emit(parents)

	case protoserver.CodePing:
		// keepalive echo; nothing to dispatch

	default:
		s.log.Debug("unhandled server message", "code", code)
	}
}

func (s *Session) writeFrame(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return codec.WriteFrame(s.conn, payload)
}

// --- Public operations (spec.md §4.3) --------------------------------

func (s *Session) AnnounceListen(port, obfuscatedPort uint16) error {
	return s.writeFrame(protoserver.BuildSetListenPort(port, obfuscatedPort))
}

func (s *Session) AnnounceShares(folders, files uint32) error {
	return s.writeFrame(protoserver.BuildSharedFoldersFiles(folders, files))
}

func (s *Session) SetStatus(status protoserver.UserStatus) error {
	return s.writeFrame(protoserver.BuildSetOnlineStatus(status))
}

func (s *Session) Search(token uint32, query string) error {
	return s.writeFrame(protoserver.BuildFileSearch(token, query))
}

func (s *Session) JoinRoom(room string) error  { return s.writeFrame(protoserver.BuildJoinRoom(room)) }
func (s *Session) LeaveRoom(room string) error { return s.writeFrame(protoserver.BuildLeaveRoom(room)) }

func (s *Session) Say(room, message string) error {
	return s.writeFrame(protoserver.BuildSayInChatRoom(room, message))
}

func (s *Session) PrivateMessage(username, message string) error {
	return s.writeFrame(protoserver.BuildPrivateMessage(username, message))
}

func (s *Session) AckPrivateMessage(id uint32) error {
	return s.writeFrame(protoserver.BuildAckPrivateMessage(id))
}

func (s *Session) WatchUser(username string) error {
	return s.writeFrame(protoserver.BuildWatchUser(username))
}

func (s *Session) UnwatchUser(username string) error {
	return s.writeFrame(protoserver.BuildUnwatchUser(username))
}

func (s *Session) GetUserStatus(username string) error {
	return s.writeFrame(protoserver.BuildGetUserStatus(username))
}

// HaveNoParent announces whether we currently lack a distributed-tree
// parent, so the server knows whether to keep pushing PossibleParents
// (spec.md §4.8, server code 71).
func (s *Session) HaveNoParent(haveNoParent bool) error {
	return s.writeFrame(protoserver.BuildHaveNoParent(haveNoParent))
}

// ConnectToPeer asks the server to forward an indirect-connection request
// (spec.md §4.3 "connect_to_peer"). It satisfies peer.PeerAddressResolver.
func (s *Session) ConnectToPeer(token uint32, username string, channel peer.Channel) {
	_ = s.writeFrame(protoserver.BuildConnectToPeer(token, username, protoserver.Channel(channel)))
}

// CantConnectToPeer tells the server our offer is dead (spec.md §4.3).
func (s *Session) CantConnectToPeer(token uint32, username string) error {
	return s.writeFrame(protoserver.BuildCantConnectToPeer(token, username))
}

// ResolvePeerAddress sends GetPeerAddress and waits for the matching push,
// satisfying peer.PeerAddressResolver (spec.md §4.5 step 2). Multiple
// concurrent requests for the same username are served FIFO.
func (s *Session) ResolvePeerAddress(ctx context.Context, username string) (string, uint16, error) {
	ch := make(chan protoserver.PeerAddress, 1)

	s.pendingPeerAddrMu.Lock()
	s.pendingPeerAddr[username] = append(s.pendingPeerAddr[username], ch)
	s.pendingPeerAddrMu.Unlock()

	if err := s.writeFrame(protoserver.BuildGetPeerAddress(username)); err != nil {
		return "", 0, err
	}

	select {
	case pa := <-ch:
		return pa.IP, pa.Port, nil
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
}

func (s *Session) resolvePeerAddrWaiters(pa protoserver.PeerAddress) {
	s.pendingPeerAddrMu.Lock()
	waiters := s.pendingPeerAddr[pa.Username]
	if len(waiters) == 0 {
		s.pendingPeerAddrMu.Unlock()
		return
	}
	next := waiters[0]
	remaining := waiters[1:]
	if len(remaining) == 0 {
		delete(s.pendingPeerAddr, pa.Username)
	} else {
		s.pendingPeerAddr[pa.Username] = remaining
	}
	s.pendingPeerAddrMu.Unlock()

	select {
	case next <- pa:
	default:
	}
}

// Close tears the session down (spec.md §4.3, §7 "SessionLost" is emitted
// by the read loop on an unexpected close, not here).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

