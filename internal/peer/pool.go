package peer

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/soulseek-go/slsk/internal/config"
	"github.com/soulseek-go/slsk/internal/events"
	heappq "github.com/soulseek-go/slsk/pkg/heap"
	"github.com/soulseek-go/slsk/pkg/syncmap"
)

// ErrUnreachable is returned by GetOrOpen when neither a direct dial nor an
// indirect piercing completes within the configured timeout (spec.md §4.5
// step 3, §7 "PeerUnreachable").
var ErrUnreachable = errors.New("peer: unreachable (direct dial failed and indirect connect timed out)")

// PeerAddressResolver asks the server for a user's address and waits for
// the matching PeerAddress push. ServerSession implements this; the pool
// depends only on the interface so it stays decoupled from the server
// package.
type PeerAddressResolver interface {
	ResolvePeerAddress(ctx context.Context, username string) (ip string, port uint16, err error)
	ConnectToPeer(token uint32, username string, channel Channel)
}

type addressCacheEntry struct {
	ip        string
	port      uint16
	expiresAt time.Time
}

// pendingIntent is registered while we wait for a peer to pierce our
// firewall after an indirect connect-to-peer request.
type pendingIntent struct {
	username string
	channel  Channel
	arrived  chan *Connection
}

// Pool indexes live connections by (username, channel) and by pending
// token, dials direct or falls back to server-assisted indirect connects,
// and evicts idle connections (spec.md §4.5).
type Pool struct {
	log      *slog.Logger
	resolver PeerAddressResolver
	bus      *events.Bus

	mu    sync.Mutex
	byKey map[poolKey]*Connection

	pending   map[uint32]*pendingIntent
	addresses *syncmap.Map[string, addressCacheEntry]

	idle *heappq.PriorityQueue[idleCandidate]
}

type poolKey struct {
	username string
	channel  Channel
}

type idleCandidate struct {
	key          poolKey
	lastActivity time.Time
}

func NewPool(log *slog.Logger, resolver PeerAddressResolver, bus *events.Bus) *Pool {
	p := &Pool{
		log:       log,
		resolver:  resolver,
		bus:       bus,
		byKey:     make(map[poolKey]*Connection),
		pending:   make(map[uint32]*pendingIntent),
		addresses: syncmap.New[string, addressCacheEntry](),
		idle:      heappq.NewPriorityQueue(func(a, b idleCandidate) bool { return a.lastActivity.Before(b.lastActivity) }),
	}

	return p
}

// Get returns the existing connected entry for (username, channel), if any
// (spec.md §4.5 step 1).
func (p *Pool) Get(username string, channel Channel) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byKey[poolKey{username, channel}]
	if ok && c.State() != StateConnected {
		return nil, false
	}
	return c, ok
}

// adopt registers a connection under (username, channel), replacing any
// existing entry only if it is disconnected or failed (spec.md invariant 2).
func (p *Pool) adopt(c *Connection) error {
	key := poolKey{c.Username(), c.Channel}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byKey[key]; ok && existing.State() == StateConnected {
		return errors.Errorf("duplicate live connection for %s/%s", key.username, key.channel)
	}

	p.byKey[key] = c
	return nil
}

// Remove drops a connection from the pool; called once a connection
// terminates.
func (p *Pool) Remove(c *Connection) {
	key := poolKey{c.Username(), c.Channel}

	p.mu.Lock()
	if existing, ok := p.byKey[key]; ok && existing == c {
		delete(p.byKey, key)
	}
	p.mu.Unlock()
}

// cacheAddress stores a resolved peer address for PeerAddressCacheTTL
// (spec.md §4.5 step 2 "cache peer addresses for 30 s").
func (p *Pool) cacheAddress(username, ip string, port uint16) {
	p.addresses.Put(username, addressCacheEntry{ip: ip, port: port, expiresAt: time.Now().Add(config.Load().PeerAddressCacheTTL)})
}

func (p *Pool) cachedAddress(username string) (string, uint16, bool) {
	entry, ok := p.addresses.Get(username)
	if !ok || time.Now().After(entry.expiresAt) {
		return "", 0, false
	}
	return entry.ip, entry.port, true
}

// GetOrOpen returns a connected link to username over channel, dialing
// direct first and falling back to an indirect server-assisted connect
// (spec.md §4.5 "get_or_open").
func (p *Pool) GetOrOpen(ctx context.Context, username string, channel Channel, onFrame FrameHandler, mintToken func() uint32) (*Connection, error) {
	if c, ok := p.Get(username, channel); ok {
		return c, nil
	}

	ip, port, ok := p.cachedAddress(username)
	if !ok {
		var err error
		ip, port, err = p.resolver.ResolvePeerAddress(ctx, username)
		if err != nil {
			return nil, errors.Wrap(err, "resolve peer address")
		}
		p.cacheAddress(username, ip, port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.Load().DirectDialTimeout)
	c, err := DialDirect(dialCtx, p.log, ip, port, username, channel, 0, onFrame)
	cancel()
	if err == nil {
		if aerr := p.adopt(c); aerr != nil {
			c.Close()
			return nil, aerr
		}
		return c, nil
	}

	// Direct dial failed: fall back to an indirect connect (spec.md §4.5
	// step 3).
	token := mintToken()
	intent := &pendingIntent{username: username, channel: channel, arrived: make(chan *Connection, 1)}

	p.mu.Lock()
	p.pending[token] = intent
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, token)
		p.mu.Unlock()
	}()

	p.resolver.ConnectToPeer(token, username, channel)

	select {
	case adopted := <-intent.arrived:
		if aerr := p.adopt(adopted); aerr != nil {
			adopted.Close()
			return nil, aerr
		}
		return adopted, nil
	case <-time.After(config.Load().IndirectConnectTimeout):
		return nil, ErrUnreachable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AdoptPierced completes a pending indirect-connect intent once a peer
// connects back to us and sends PierceFirewall(token).
func (p *Pool) AdoptPierced(token uint32, netConn net.Conn, onFrame FrameHandler) bool {
	p.mu.Lock()
	intent, ok := p.pending[token]
	p.mu.Unlock()
	if !ok {
		return false
	}

	c := AdoptIncoming(p.log, netConn, intent.channel, intent.username, onFrame)
	select {
	case intent.arrived <- c:
		return true
	default:
		c.Close()
		return false
	}
}

// AdoptDirect registers an already-handshaked incoming connection under the
// pool (spec.md §4.4 "Incoming").
func (p *Pool) AdoptDirect(c *Connection) error {
	return p.adopt(c)
}

// TrackIdle records c's current last-activity for the idle-eviction sweep.
// Call after every inbound/outbound message on a P connection.
func (p *Pool) TrackIdle(c *Connection) {
	if c.Channel != ChannelPeer {
		return
	}
	p.mu.Lock()
	p.idle.Enqueue(idleCandidate{key: poolKey{c.Username(), c.Channel}, lastActivity: time.Now()})
	p.mu.Unlock()
}

// EvictIdle closes every P connection whose idle time exceeds
// PeerIdleEvictionDuration and has no active transfer, per spec.md §4.5
// "Eviction". hasActiveTransfer lets the caller (UploadManager/
// DownloadManager) veto eviction for a connection mid-transfer.
func (p *Pool) EvictIdle(hasActiveTransfer func(username string) bool) {
	threshold := config.Load().PeerIdleEvictionDuration

	p.mu.Lock()
	defer p.mu.Unlock()

	p.idle.DrainWhile(
		func(cand idleCandidate) bool { return time.Since(cand.lastActivity) >= threshold },
		func(cand idleCandidate) {
			c, ok := p.byKey[cand.key]
			if !ok || c.Idleness() < threshold || hasActiveTransfer(cand.key.username) {
				return
			}
			delete(p.byKey, cand.key)
			c.Close()
		},
	)
}

// Len reports the number of live connections, for diagnostics and tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}
