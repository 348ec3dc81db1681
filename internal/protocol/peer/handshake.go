package peer

import "github.com/soulseek-go/slsk/internal/codec"

// Init is the outgoing-direct handshake: `PeerInit(username, type, token)`.
// Token is 0 for F channels opened as a continuation of an already-offered
// transfer; otherwise it is the offer token (spec.md §4.4).
type Init struct {
	Username string
	Channel  string // "P", "F", or "D"
	Token    uint32
}

func BuildPeerInit(init Init) []byte {
	w := codec.NewWriter()
	w.WriteU8(uint8(CodePeerInit))
	w.WriteString(init.Username)
	w.WriteString(init.Channel)
	w.WriteU32(init.Token)
	return w.Bytes()
}

func ParsePeerInit(body []byte) (*Init, error) {
	r := codec.NewReader(body)

	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	channel, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}

	return &Init{Username: username, Channel: channel, Token: token}, nil
}

// PierceFirewall is the reply a peer sends over a connection it initiated
// back to us, after we asked the server to relay an indirect-connection
// invitation (spec.md GLOSSARY "PierceFirewall"). It carries only the token
// we minted when we called server.connect_to_peer.
type PierceFirewall struct {
	Token uint32
}

func BuildPierceFirewall(token uint32) []byte {
	w := codec.NewWriter()
	w.WriteU8(uint8(CodePierceFirewall))
	w.WriteU32(token)
	return w.Bytes()
}

func ParsePierceFirewall(body []byte) (*PierceFirewall, error) {
	r := codec.NewReader(body)
	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return &PierceFirewall{Token: token}, nil
}

// FileTransferInit is the bare 4-byte token sent at the start of an
// F-channel byte stream once the PeerInit/PierceFirewall handshake has
// established the connection (spec.md GLOSSARY "FileTransferInit").
func BuildFileTransferInit(token uint32) []byte {
	return codec.NewWriter().WriteU32(token).Bytes()
}

func ParseFileTransferInit(raw []byte) (uint32, error) {
	r := codec.NewReader(raw)
	return r.ReadU32()
}

// ResumeOffset is the 8-byte little-endian offset the downloader sends back
// on the F channel immediately after receiving FileTransferInit.
func BuildResumeOffset(offset uint64) []byte {
	return codec.NewWriter().WriteU64(offset).Bytes()
}

func ParseResumeOffset(raw []byte) (uint64, error) {
	r := codec.NewReader(raw)
	return r.ReadU64()
}
