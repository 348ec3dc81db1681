// Package distributed implements optional participation in the distributed
// search tree: accepting PossibleParents from the server, attaching to one
// over the D channel, forwarding search queries to any children we have
// accepted, matching queries against our own shares, and replying to the
// searcher over a fresh P connection (spec.md §4.8 "Distributed channel
// (optional minimum)").
package distributed

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/soulseek-go/slsk/internal/config"
	protodist "github.com/soulseek-go/slsk/internal/protocol/distributed"
	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
	protoserver "github.com/soulseek-go/slsk/internal/protocol/server"

	"github.com/soulseek-go/slsk/internal/peer"
	"github.com/soulseek-go/slsk/internal/shares"
)

// ServerLink is the subset of ServerSession the leaf needs: telling the
// server whether we currently have a distributed parent.
type ServerLink interface {
	HaveNoParent(haveNoParent bool) error
}

// Leaf attaches to one parent in the distributed tree and answers the
// search queries it forwards. It never elects itself root and makes no
// attempt to rebalance the tree; if its parent disconnects it simply goes
// back to having none until the next PossibleParents push arrives.
type Leaf struct {
	log    *slog.Logger
	pool   *peer.Pool
	shares shares.Manager
	server ServerLink

	mu       sync.Mutex
	parent   *peer.Connection
	children map[string]*peer.Connection
}

func NewLeaf(log *slog.Logger, pool *peer.Pool, sharesMgr shares.Manager, server ServerLink) *Leaf {
	return &Leaf{
		log:      log,
		pool:     pool,
		shares:   sharesMgr,
		server:   server,
		children: make(map[string]*peer.Connection),
	}
}

// HasParent reports whether we currently hold a live D connection to a
// parent.
func (l *Leaf) HasParent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.parent != nil
}

// HandlePossibleParents tries each candidate in order until one accepts a
// direct D-channel dial, then adopts it as our parent (spec.md §4.8 "accept
// a list of PossibleParents, connect to one via D channel"). Already having
// a parent is a no-op; the server only pushes this list while we have none.
func (l *Leaf) HandlePossibleParents(ctx context.Context, candidates []protoserver.PossibleParent) {
	if l.HasParent() {
		return
	}

	for _, cand := range candidates {
		conn, err := peer.DialDirect(ctx, l.log, cand.IP, cand.Port, cand.Username, peer.ChannelDistributed, 0, l.onParentFrame)
		if err != nil {
			l.log.Debug("distributed parent dial failed", "username", cand.Username, "error", err)
			continue
		}

		l.mu.Lock()
		l.parent = conn
		l.mu.Unlock()

		conn.Send(protodist.BuildBranchLevel(1))
		_ = l.server.HaveNoParent(false)

		go func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			_ = conn.Run(ctx)

			l.mu.Lock()
			if l.parent == conn {
				l.parent = nil
			}
			l.mu.Unlock()
			_ = l.server.HaveNoParent(true)
		}()

		return
	}

	l.log.Debug("no distributed parent candidate accepted", "count", len(candidates))
}

// onParentFrame handles every D-channel message our parent sends us.
func (l *Leaf) onParentFrame(code uint32, body []byte) {
	switch protodist.Code(code) {
	case protodist.CodeSearchRequest:
		req, err := protodist.ParseSearchRequest(body)
		if err != nil {
			return
		}
		l.handleSearchRequest(req.Username, req.Token, req.Query)

	case protodist.CodeEmbeddedMessage:
		embedded, err := protodist.ParseEmbeddedMessage(body)
		if err != nil {
			return
		}
		if embedded.DistributedCode == protodist.CodeSearchRequest {
			req, err := protodist.ParseSearchRequest(embedded.Payload)
			if err != nil {
				return
			}
			l.handleSearchRequest(req.Username, req.Token, req.Query)
		}

	case protodist.CodePing:
		// keepalive, nothing to do
	}
}

// handleSearchRequest forwards the query to any children, matches it
// against our own shares, and replies to the searcher if we have any hits
// (spec.md §4.8 "match them against our local share index").
func (l *Leaf) handleSearchRequest(username string, token uint32, query string) {
	l.forwardToChildren(username, token, query)

	hits := l.shares.Search(query)
	if len(hits) == 0 {
		return
	}

	files := make([]protopeer.SharedFile, len(hits))
	for i, h := range hits {
		files[i] = h.File
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Load().DirectDialTimeout)
	defer cancel()

	conn, err := l.pool.GetOrOpen(ctx, username, peer.ChannelPeer, nil, config.RandomToken)
	if err != nil {
		l.log.Debug("distributed search reply: could not reach searcher", "username", username, "error", err)
		return
	}

	conn.Send(protopeer.BuildSearchReply(protopeer.SearchReply{
		Username: username,
		Token:    token,
		Files:    files,
		FreeSlot: true,
	}))
}

// forwardToChildren relays a query received from our parent to every child
// we have accepted (spec.md §4.8 "forward distributed search queries to
// children (if we have any)").
func (l *Leaf) forwardToChildren(username string, token uint32, query string) {
	l.mu.Lock()
	children := make([]*peer.Connection, 0, len(l.children))
	for _, c := range l.children {
		children = append(children, c)
	}
	l.mu.Unlock()

	payload := protodist.BuildSearchRequest(protodist.SearchRequest{Username: username, Token: token, Query: query})
	for _, c := range children {
		c.Send(payload)
	}
}

// AcceptChild adopts an incoming D-channel connection as one of our
// children. The accept loop is expected to have already read the PeerInit
// handshake to learn username before calling this.
func (l *Leaf) AcceptChild(netConn net.Conn, username string) {
	conn := peer.AdoptIncoming(l.log, netConn, peer.ChannelDistributed, username, func(code uint32, body []byte) {
		// children only ever push us Ping; searches flow parent-to-child.
	})
	l.AdoptChildConnection(conn)
}

// AdoptChildConnection registers an already-handshaked D connection (direct
// or indirectly pierced) as one of our children and starts its read loop.
func (l *Leaf) AdoptChildConnection(conn *peer.Connection) {
	username := conn.Username()

	l.mu.Lock()
	l.children[username] = conn
	l.mu.Unlock()

	conn.Send(protodist.BuildChildDepth(uint32(len(l.children))))

	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = conn.Run(ctx)

		l.mu.Lock()
		delete(l.children, username)
		l.mu.Unlock()
	}()
}
