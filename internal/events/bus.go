package events

import "github.com/soulseek-go/slsk/internal/protocol/server"

// Bus aggregates one Registry per server-push event kind ServerSession
// fans out (spec.md §4.3 "Server-push events become an event stream").
// Multiple subsystems subscribe to the same kind independently -- uploads
// and downloads both need PeerAddress, for instance.
type Bus struct {
	PeerAddress        Registry[server.PeerAddress]
	ConnectToPeer      Registry[server.ConnectToPeerInvite]
	CantConnectToPeer  Registry[server.CantConnectToPeer]
	UserStatus         Registry[server.UserStatusUpdate]
	PrivateMessage     Registry[server.PrivateMessage]
	ChatMessage        Registry[server.ChatMessage]
	RoomList           Registry[server.RoomList]
	RoomMembership     Registry[server.RoomMembershipChange]
	PossibleParents    Registry[[]server.PossibleParent]
	ServerDisconnected Registry[ServerDisconnected]
}

// ServerDisconnected is emitted once when the server TCP connection is
// lost (spec.md §4.3, §7 "SessionLost"). No automatic reconnect follows.
type ServerDisconnected struct {
	Reason error
}

// NewBus returns a Bus with every registry ready to use.
func NewBus() *Bus {
	return &Bus{}
}
