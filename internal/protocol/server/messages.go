package server

import "github.com/soulseek-go/slsk/internal/codec"

// ClientVersion / MinorVersion are sent verbatim in Login (spec.md §4.3).
const (
	ClientVersion = 160
	MinorVersion  = 1
)

// --- Login ---------------------------------------------------------------

type LoginRequest struct {
	Username   string
	Password   string
	PasswordMD5Hex string // hex(MD5(username+password))
}

func BuildLogin(req LoginRequest) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeLogin))
	w.WriteString(req.Username)
	w.WriteString(req.Password)
	w.WriteU32(ClientVersion)
	w.WriteString(req.PasswordMD5Hex)
	w.WriteU32(MinorVersion)
	return w.Bytes()
}

type LoginResult struct {
	Success  bool
	Greeting string
	IP       string // only present on success
	Reason   string // only present on failure
}

func ParseLoginResult(body []byte) (*LoginResult, error) {
	r := codec.NewReader(body)

	ok, err := r.ReadBool()
	if err != nil {
		return nil, err
	}

	res := &LoginResult{Success: ok}
	if ok {
		greeting, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		ip, err := r.ReadIPv4()
		if err != nil {
			return nil, err
		}
		res.Greeting, res.IP = greeting, ip
		return res, nil
	}

	reason, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	res.Reason = reason
	return res, nil
}

// --- SetListenPort ---------------------------------------------------------

func BuildSetListenPort(port, obfuscatedPort uint16) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeSetListenPort))
	w.WriteU32(uint32(port))
	if obfuscatedPort != 0 {
		w.WriteU32(1)
		w.WriteU32(uint32(obfuscatedPort))
	} else {
		w.WriteU32(0)
	}
	return w.Bytes()
}

// --- GetPeerAddress ----------------------------------------------------

func BuildGetPeerAddress(username string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeGetPeerAddress))
	w.WriteString(username)
	return w.Bytes()
}

// PeerAddress is the push that answers a prior GetPeerAddress request,
// matched by Username (spec.md §4.6 step 4: "match by username").
type PeerAddress struct {
	Username string
	IP       string
	Port     uint16
}

func ParsePeerAddress(body []byte) (*PeerAddress, error) {
	r := codec.NewReader(body)

	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	ip, err := r.ReadIPv4()
	if err != nil {
		return nil, err
	}
	port, err := r.ReadU32()
	if err != nil {
		return nil, err
	}

	return &PeerAddress{Username: username, IP: ip, Port: uint16(port)}, nil
}

// --- Watch/UnwatchUser, GetUserStatus ----------------------------------

func BuildWatchUser(username string) []byte   { return buildUsernameOnly(CodeWatchUser, username) }
func BuildUnwatchUser(username string) []byte { return buildUsernameOnly(CodeUnwatchUser, username) }
func BuildGetUserStatus(username string) []byte {
	return buildUsernameOnly(CodeGetUserStatus, username)
}

func buildUsernameOnly(code Code, username string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(code))
	w.WriteString(username)
	return w.Bytes()
}

type UserStatusUpdate struct {
	Username    string
	Status      UserStatus
	Privileged  bool
}

func ParseUserStatus(body []byte) (*UserStatusUpdate, error) {
	r := codec.NewReader(body)

	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	status, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	privileged, err := r.ReadBool()
	if err != nil {
		return nil, err
	}

	return &UserStatusUpdate{Username: username, Status: UserStatus(status), Privileged: privileged}, nil
}

// --- Chat rooms ----------------------------------------------------------

func BuildSayInChatRoom(room, message string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeSayInChatRoom))
	w.WriteString(room)
	w.WriteString(message)
	return w.Bytes()
}

type ChatMessage struct {
	Room     string
	Username string
	Message  string
}

func ParseSayInChatRoom(body []byte) (*ChatMessage, error) {
	r := codec.NewReader(body)

	room, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	message, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	return &ChatMessage{Room: room, Username: username, Message: message}, nil
}

func BuildJoinRoom(room string) []byte  { return buildRoomOnly(CodeJoinRoom, room) }
func BuildLeaveRoom(room string) []byte { return buildRoomOnly(CodeLeaveRoom, room) }

func buildRoomOnly(code Code, room string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(code))
	w.WriteString(room)
	return w.Bytes()
}

type RoomMembershipChange struct {
	Room     string
	Username string
}

func ParseUserJoinedRoom(body []byte) (*RoomMembershipChange, error) {
	return parseRoomUsername(body)
}

func ParseUserLeftRoom(body []byte) (*RoomMembershipChange, error) {
	return parseRoomUsername(body)
}

func parseRoomUsername(body []byte) (*RoomMembershipChange, error) {
	r := codec.NewReader(body)

	room, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	return &RoomMembershipChange{Room: room, Username: username}, nil
}

// RoomList is the server's periodic push of every public room and its
// occupant count.
type RoomList struct {
	Rooms []RoomEntry
}

type RoomEntry struct {
	Name      string
	UserCount uint32
}

func ParseRoomList(body []byte, maxList uint32) (*RoomList, error) {
	r := codec.NewReader(body)

	names, err := readStringList(r, maxList)
	if err != nil {
		return nil, err
	}

	n, err := r.ReadListCount(maxList)
	if err != nil {
		return nil, err
	}
	if n != len(names) {
		return nil, codec.ErrMalformed
	}

	counts := make([]uint32, n)
	for i := 0; i < n; i++ {
		c, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		counts[i] = c
	}

	rooms := make([]RoomEntry, n)
	for i := range rooms {
		rooms[i] = RoomEntry{Name: names[i], UserCount: counts[i]}
	}

	return &RoomList{Rooms: rooms}, nil
}

func readStringList(r *codec.Reader, max uint32) ([]string, error) {
	n, err := r.ReadListCount(max)
	if err != nil {
		return nil, err
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// --- ConnectToPeer -------------------------------------------------------

// Channel identifies which of the three connection families (spec.md
// GLOSSARY "P channel / F channel / D channel") a ConnectToPeer request is
// for.
type Channel string

const (
	ChannelPeer        Channel = "P"
	ChannelFile        Channel = "F"
	ChannelDistributed Channel = "D"
)

// BuildConnectToPeer asks the server to relay an indirect-connection
// invitation to username (spec.md GLOSSARY "ConnectToPeer").
func BuildConnectToPeer(token uint32, username string, channel Channel) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeConnectToPeer))
	w.WriteU32(token)
	w.WriteString(username)
	w.WriteString(string(channel))
	return w.Bytes()
}

// ConnectToPeerInvite is the server's push telling us a peer wants to
// connect to us indirectly and giving us its address to dial, OR (when we
// are the requester) informing us of the invite we asked for. Both
// directions share the same payload shape.
type ConnectToPeerInvite struct {
	Username   string
	Channel    Channel
	IP         string
	Port       uint16
	Token      uint32
	Privileged bool
}

func ParseConnectToPeer(body []byte) (*ConnectToPeerInvite, error) {
	r := codec.NewReader(body)

	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	channel, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	ip, err := r.ReadIPv4()
	if err != nil {
		return nil, err
	}
	port, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}

	var privileged bool
	if r.Remaining() > 0 {
		privileged, _ = r.ReadBool()
	}

	return &ConnectToPeerInvite{
		Username: username,
		Channel:  Channel(channel),
		IP:       ip,
		Port:     uint16(port),
		Token:    token,
		Privileged: privileged,
	}, nil
}

// --- CantConnectToPeer ---------------------------------------------------

func BuildCantConnectToPeer(token uint32, username string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeCantConnectToPeer))
	w.WriteU32(token)
	w.WriteString(username)
	return w.Bytes()
}

type CantConnectToPeer struct {
	Token    uint32
	Username string
}

func ParseCantConnectToPeer(body []byte) (*CantConnectToPeer, error) {
	r := codec.NewReader(body)

	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	return &CantConnectToPeer{Token: token, Username: username}, nil
}

// --- Private messages -----------------------------------------------------

type PrivateMessage struct {
	ID        uint32
	Timestamp uint32
	Username  string
	Message   string
	IsAdmin   bool
}

func ParsePrivateMessages(body []byte, maxList uint32) ([]PrivateMessage, error) {
	r := codec.NewReader(body)

	n, err := r.ReadListCount(maxList)
	if err != nil {
		return nil, err
	}

	out := make([]PrivateMessage, 0, n)
	for i := 0; i < n; i++ {
		id, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		ts, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		username, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		message, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		isAdmin, err := r.ReadBool()
		if err != nil {
			return nil, err
		}

		out = append(out, PrivateMessage{
			ID: id, Timestamp: ts, Username: username, Message: message, IsAdmin: isAdmin,
		})
	}

	return out, nil
}

func BuildAckPrivateMessage(id uint32) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeAckPrivateMessage))
	w.WriteU32(id)
	return w.Bytes()
}

func BuildPrivateMessage(username, message string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodePrivateMessages))
	w.WriteString(username)
	w.WriteString(message)
	return w.Bytes()
}

// --- Search ---------------------------------------------------------------

func BuildFileSearch(token uint32, query string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeFileSearch))
	w.WriteU32(token)
	w.WriteString(query)
	return w.Bytes()
}

// --- Status / keepalive ----------------------------------------------------

func BuildSetOnlineStatus(status UserStatus) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeSetOnlineStatus))
	w.WriteU32(uint32(status))
	return w.Bytes()
}

func BuildPing() []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodePing))
	return w.Bytes()
}

// --- Shares / stats --------------------------------------------------------

func BuildSharedFoldersFiles(folders, files uint32) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeSharedFoldersFiles))
	w.WriteU32(folders)
	w.WriteU32(files)
	return w.Bytes()
}

func BuildGetUserStats(username string) []byte {
	return buildUsernameOnly(CodeGetUserStats, username)
}

type UserStats struct {
	Username      string
	AvgSpeed      uint32
	DownloadCount uint64
	FileCount     uint32
	DirCount      uint32
}

func ParseUserStats(body []byte) (*UserStats, error) {
	r := codec.NewReader(body)

	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	avgSpeed, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	downloadCount, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	fileCount, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	dirCount, err := r.ReadU32()
	if err != nil {
		return nil, err
	}

	return &UserStats{
		Username: username, AvgSpeed: avgSpeed, DownloadCount: downloadCount,
		FileCount: fileCount, DirCount: dirCount,
	}, nil
}

// --- Distributed tree hints -------------------------------------------

func BuildHaveNoParent(haveNoParent bool) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeHaveNoParent))
	w.WriteBool(haveNoParent)
	return w.Bytes()
}

type PrivilegedUsers struct {
	Usernames []string
}

func ParsePrivilegedUsers(body []byte, maxList uint32) (*PrivilegedUsers, error) {
	r := codec.NewReader(body)
	names, err := readStringList(r, maxList)
	if err != nil {
		return nil, err
	}
	return &PrivilegedUsers{Usernames: names}, nil
}

// PossibleParent is one candidate in a PossibleParents push (spec.md §4.8).
type PossibleParent struct {
	Username string
	IP       string
	Port     uint16
}

func ParsePossibleParents(body []byte, maxList uint32) ([]PossibleParent, error) {
	r := codec.NewReader(body)

	n, err := r.ReadListCount(maxList)
	if err != nil {
		return nil, err
	}

	out := make([]PossibleParent, 0, n)
	for i := 0; i < n; i++ {
		username, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		ip, err := r.ReadIPv4()
		if err != nil {
			return nil, err
		}
		port, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		out = append(out, PossibleParent{Username: username, IP: ip, Port: uint16(port)})
	}

	return out, nil
}

// EmbeddedMessage wraps a raw distributed-channel message the server is
// relaying on our behalf (spec.md §6 code 93, shared with the D channel).
type EmbeddedMessage struct {
	DistributedCode uint8
	Payload         []byte
}

func ParseEmbeddedMessage(body []byte) (*EmbeddedMessage, error) {
	r := codec.NewReader(body)

	code, err := r.ReadU8()
	if err != nil {
		return nil, err
	}

	return &EmbeddedMessage{DistributedCode: code, Payload: body[1:]}, nil
}
