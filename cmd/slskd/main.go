// Command slskd is the headless daemon entrypoint: it wires config,
// logging, the server session, the peer pool, the transfer managers, and
// distributed-tree leaf participation into one running process (spec.md
// §1 "out of scope: UI" -- this replaces the teacher's Wails GUI shell).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/soulseek-go/slsk/internal/config"
	"github.com/soulseek-go/slsk/internal/distributed"
	"github.com/soulseek-go/slsk/internal/download"
	"github.com/soulseek-go/slsk/internal/events"
	"github.com/soulseek-go/slsk/internal/peer"
	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
	protoserver "github.com/soulseek-go/slsk/internal/protocol/server"
	"github.com/soulseek-go/slsk/internal/server"
	"github.com/soulseek-go/slsk/internal/shares"
	"github.com/soulseek-go/slsk/internal/upload"
	"github.com/soulseek-go/slsk/pkg/logging"
)

func main() {
	var (
		username   = flag.String("username", "", "SoulSeek account username (required)")
		password   = flag.String("password", "", "SoulSeek account password (required)")
		serverHost = flag.String("server-host", config.DefaultConfig().ServerHost, "central server hostname")
		serverPort = flag.Uint("server-port", uint(config.DefaultConfig().ServerPort), "central server port")
		listenPort = flag.Uint("listen-port", 2234, "TCP port this daemon listens on for incoming peer connections")
		sharedDir  = flag.String("shared-dir", "", "directory to share with other peers (required)")
	)
	flag.Parse()

	setupLogger()
	log := slog.Default()

	if *username == "" || *password == "" || *sharedDir == "" {
		log.Error("missing required flags", "required", "-username -password -shared-dir")
		os.Exit(1)
	}

	config.Update(func(c *config.Config) {
		c.ServerHost = *serverHost
		c.ServerPort = uint16(*serverPort)
		c.ListenPort = uint16(*listenPort)
	})

	sharesMgr, err := shares.NewFSManager(*sharedDir)
	if err != nil {
		log.Error("failed to index shared directory", "dir", *sharedDir, "error", err)
		os.Exit(1)
	}
	folders, files := sharesMgr.Count()
	log.Info("indexed shares", "folders", folders, "files", files)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus()
	sess := server.New(log.With("component", "server"), bus)
	pool := peer.NewPool(log.With("component", "pool"), sess, bus)
	uploadMgr := upload.NewManager(log.With("component", "upload"), sharesMgr, pool, sess)
	downloadMgr := download.NewManager(log.With("component", "download"))
	leaf := distributed.NewLeaf(log.With("component", "distributed"), pool, sharesMgr, sess)

	wireEvents(ctx, bus, sess, pool, uploadMgr, downloadMgr, leaf, log)

	listener, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(int(*listenPort))))
	if err != nil {
		log.Error("failed to listen", "port", *listenPort, "error", err)
		os.Exit(1)
	}
	defer listener.Close()
	go acceptLoop(ctx, listener, log.With("component", "listener"), pool, uploadMgr, downloadMgr, leaf)

	if err := sess.Connect(ctx, *serverHost, uint16(*serverPort)); err != nil {
		log.Error("failed to connect to server", "error", err)
		os.Exit(1)
	}

	result, err := sess.Login(ctx, *username, *password)
	if err != nil {
		log.Error("login failed", "error", err)
		os.Exit(1)
	}
	if !result.Success {
		log.Error("server rejected login", "reason", result.Reason)
		os.Exit(1)
	}
	log.Info("logged in", "greeting", result.Greeting, "public_ip", result.IP)

	_ = sess.AnnounceListen(uint16(*listenPort), config.Load().ObfuscatedPort)
	_ = sess.AnnounceShares(folders, files)
	_ = sess.SetStatus(protoserver.StatusOnline)
	_ = sess.HaveNoParent(true)

	<-ctx.Done()
	log.Info("shutting down")
	sess.Close()
}

func setupLogger() {
	opts := logging.DefaultOptions()
	h := logging.New(os.Stdout, opts)
	slog.SetDefault(slog.New(h))
}

// wireEvents subscribes every subsystem to the server-push events it
// cares about (spec.md §4.3 "Server-push events become an event stream").
func wireEvents(
	ctx context.Context,
	bus *events.Bus,
	sess *server.Session,
	pool *peer.Pool,
	uploadMgr *upload.Manager,
	downloadMgr *download.Manager,
	leaf *distributed.Leaf,
	log *slog.Logger,
) {
	bus.PossibleParents.Add(func(parents []protoserver.PossibleParent) {
		go leaf.HandlePossibleParents(ctx, parents)
	})

	bus.ConnectToPeer.Add(func(invite protoserver.ConnectToPeerInvite) {
		go handleConnectToPeerInvite(ctx, invite, pool, uploadMgr, downloadMgr, leaf, log)
	})

	bus.ServerDisconnected.Add(func(ev events.ServerDisconnected) {
		log.Warn("server session lost", "error", ev.Reason)
	})
}

// handleConnectToPeerInvite fulfils a server-relayed indirect-connection
// request: we dial the address the server gave us and pierce our own
// firewall from our side, since the inviting peer could not direct-dial us
// (spec.md §4.4, mirrored from the invited side of §4.5 step 3).
func handleConnectToPeerInvite(
	ctx context.Context,
	invite protoserver.ConnectToPeerInvite,
	pool *peer.Pool,
	uploadMgr *upload.Manager,
	downloadMgr *download.Manager,
	leaf *distributed.Leaf,
	log *slog.Logger,
) {
	channel := peer.Channel(invite.Channel)
	dialCtx, cancel := context.WithTimeout(ctx, config.Load().DirectDialTimeout)
	defer cancel()

	var username string
	var onFrame peer.FrameHandler
	var connRef *peer.Connection
	switch channel {
	case peer.ChannelPeer:
		username = invite.Username
		onFrame = func(code uint32, body []byte) {
			uploadMgr.HandleFrame(username, connRef, code, body)
			downloadMgr.HandleFrame(username, connRef, code, body)
		}
	}

	conn, err := peer.DialPierce(dialCtx, log, invite.IP, invite.Port, invite.Username, channel, invite.Token, onFrame)
	if err != nil {
		log.Debug("pierce dial failed", "username", invite.Username, "error", err)
		return
	}
	connRef = conn

	switch channel {
	case peer.ChannelPeer:
		if err := pool.AdoptDirect(conn); err != nil {
			conn.Close()
			return
		}
		go conn.Run(ctx)

	case peer.ChannelFile:
		// Indirect/pierced path: nobody sends FileTransferInit on this wire
		// since the token is already known to both sides (us via the
		// invite, the uploader via its pending record) -- jump straight to
		// the resume-offset step, mirroring how the uploader skips
		// SendFileTransferInit on a connection it did not dial.
		downloadMgr.AdoptFileChannel(invite.Token, conn)

	case peer.ChannelDistributed:
		leaf.AdoptChildConnection(conn)

	default:
		conn.Close()
	}
}

// acceptLoop accepts incoming TCP connections, reads the PeerInit or
// PierceFirewall handshake, and routes the connection to the pool or the
// matching manager (spec.md §4.4 "Incoming").
func acceptLoop(
	ctx context.Context,
	listener net.Listener,
	log *slog.Logger,
	pool *peer.Pool,
	uploadMgr *upload.Manager,
	downloadMgr *download.Manager,
	leaf *distributed.Leaf,
) {
	for {
		netConn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		go handleIncoming(ctx, netConn, log, pool, uploadMgr, downloadMgr, leaf)
	}
}

func handleIncoming(
	ctx context.Context,
	netConn net.Conn,
	log *slog.Logger,
	pool *peer.Pool,
	uploadMgr *upload.Manager,
	downloadMgr *download.Manager,
	leaf *distributed.Leaf,
) {
	_ = netConn.SetReadDeadline(timeNowPlus(config.Load().PeerReadTimeout))
	code, body, err := peer.ReadHandshake(netConn)
	_ = netConn.SetReadDeadline(time.Time{})
	if err != nil {
		netConn.Close()
		return
	}

	switch protopeer.HandshakeCode(code) {
	case protopeer.CodePierceFirewall:
		pierce, err := protopeer.ParsePierceFirewall(body)
		if err != nil {
			netConn.Close()
			return
		}
		if !pool.AdoptPierced(pierce.Token, netConn, nil) {
			netConn.Close()
		}

	case protopeer.CodePeerInit:
		init, err := protopeer.ParsePeerInit(body)
		if err != nil {
			netConn.Close()
			return
		}

		switch peer.Channel(init.Channel) {
		case peer.ChannelPeer:
			var conn *peer.Connection
			onFrame := func(code uint32, body []byte) {
				uploadMgr.HandleFrame(init.Username, conn, code, body)
				downloadMgr.HandleFrame(init.Username, conn, code, body)
			}
			conn = peer.AdoptIncoming(log, netConn, peer.ChannelPeer, init.Username, onFrame)
			if err := pool.AdoptDirect(conn); err != nil {
				conn.Close()
				return
			}
			go conn.Run(ctx)

		case peer.ChannelFile:
			downloadMgr.AcceptIncoming(log, netConn, init.Username)

		case peer.ChannelDistributed:
			leaf.AcceptChild(netConn, init.Username)

		default:
			netConn.Close()
		}

	default:
		netConn.Close()
	}
}

func timeNowPlus(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
