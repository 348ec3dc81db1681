// Package server encodes and decodes messages exchanged with the central
// SoulSeek server, per spec.md §6 "Server message codes". Every message
// body begins with a little-endian u32 code (spec.md §6 "Wire format").
package server

// Code identifies a server message. The same numeric space is shared by
// requests we send and pushes the server sends us; direction is implied by
// context, not by the code itself.
type Code uint32

const (
	CodeLogin               Code = 1
	CodeSetListenPort       Code = 2
	CodeGetPeerAddress      Code = 3
	CodeWatchUser           Code = 5
	CodeUnwatchUser         Code = 6
	CodeGetUserStatus       Code = 7
	CodeSayInChatRoom       Code = 13
	CodeJoinRoom            Code = 14
	CodeLeaveRoom           Code = 15
	CodeUserJoinedRoom      Code = 16
	CodeUserLeftRoom        Code = 17
	CodeConnectToPeer       Code = 18
	CodePrivateMessages     Code = 22
	CodeAckPrivateMessage   Code = 23
	CodeFileSearch          Code = 26
	CodeSetOnlineStatus     Code = 28
	CodePing                Code = 32
	CodeSharedFoldersFiles  Code = 35
	CodeGetUserStats        Code = 36
	CodeRoomList            Code = 64
	CodePrivilegedUsers     Code = 69
	CodeHaveNoParent        Code = 71
	CodeEmbeddedMessage     Code = 93
	CodePossibleParents     Code = 102
	CodeCantConnectToPeer   Code = 1001
)

func (c Code) String() string {
	switch c {
	case CodeLogin:
		return "Login"
	case CodeSetListenPort:
		return "SetListenPort"
	case CodeGetPeerAddress:
		return "GetPeerAddress"
	case CodeWatchUser:
		return "WatchUser"
	case CodeUnwatchUser:
		return "UnwatchUser"
	case CodeGetUserStatus:
		return "GetUserStatus"
	case CodeSayInChatRoom:
		return "SayInChatRoom"
	case CodeJoinRoom:
		return "JoinRoom"
	case CodeLeaveRoom:
		return "LeaveRoom"
	case CodeUserJoinedRoom:
		return "UserJoinedRoom"
	case CodeUserLeftRoom:
		return "UserLeftRoom"
	case CodeConnectToPeer:
		return "ConnectToPeer"
	case CodePrivateMessages:
		return "PrivateMessages"
	case CodeAckPrivateMessage:
		return "AckPrivateMessage"
	case CodeFileSearch:
		return "FileSearch"
	case CodeSetOnlineStatus:
		return "SetOnlineStatus"
	case CodePing:
		return "Ping"
	case CodeSharedFoldersFiles:
		return "SharedFoldersFiles"
	case CodeGetUserStats:
		return "GetUserStats"
	case CodeRoomList:
		return "RoomList"
	case CodePrivilegedUsers:
		return "PrivilegedUsers"
	case CodeHaveNoParent:
		return "HaveNoParent"
	case CodeEmbeddedMessage:
		return "EmbeddedMessage"
	case CodePossibleParents:
		return "PossibleParents"
	case CodeCantConnectToPeer:
		return "CantConnectToPeer"
	default:
		return "Unknown"
	}
}

// UserStatus mirrors the server's online-status enum (spec.md §4.3
// set_status).
type UserStatus uint32

const (
	StatusOffline UserStatus = 0
	StatusAway    UserStatus = 1
	StatusOnline  UserStatus = 2
)
