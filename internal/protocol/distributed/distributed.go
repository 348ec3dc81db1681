// Package distributed encodes and decodes messages exchanged over the D
// channel, the distributed search tree peers optionally join as parent or
// leaf (spec.md §4.8, §6 "Distributed codes").
package distributed

import "github.com/soulseek-go/slsk/internal/codec"

type Code uint32

const (
	CodePing          Code = 0
	CodeSearchRequest Code = 3
	CodeBranchLevel   Code = 4
	CodeBranchRoot    Code = 5
	CodeChildDepth    Code = 7
	CodeEmbeddedMessage Code = 93
)

func (c Code) String() string {
	switch c {
	case CodePing:
		return "Ping"
	case CodeSearchRequest:
		return "SearchRequest"
	case CodeBranchLevel:
		return "BranchLevel"
	case CodeBranchRoot:
		return "BranchRoot"
	case CodeChildDepth:
		return "ChildDepth"
	case CodeEmbeddedMessage:
		return "EmbeddedMessage"
	default:
		return "Unknown"
	}
}

func BuildPing() []byte {
	return codec.NewWriter().WriteU32(uint32(CodePing)).Bytes()
}

// SearchRequest is forwarded down the tree from a parent to its children,
// unchanged in meaning from the server's original FileSearch (spec.md §4.8
// "forward distributed search queries to children").
type SearchRequest struct {
	Username string
	Token    uint32
	Query    string
}

func BuildSearchRequest(req SearchRequest) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeSearchRequest))
	w.WriteString(req.Username)
	w.WriteU32(req.Token)
	w.WriteString(req.Query)
	return w.Bytes()
}

func ParseSearchRequest(body []byte) (*SearchRequest, error) {
	r := codec.NewReader(body)

	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	query, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	return &SearchRequest{Username: username, Token: token, Query: query}, nil
}

// BranchLevel announces our depth in the tree (0 if we are the root).
func BuildBranchLevel(level uint32) []byte {
	return codec.NewWriter().WriteU32(uint32(CodeBranchLevel)).WriteU32(level).Bytes()
}

func ParseBranchLevel(body []byte) (uint32, error) {
	r := codec.NewReader(body)
	return r.ReadU32()
}

// BranchRoot announces the username of the tree's root.
func BuildBranchRoot(username string) []byte {
	return codec.NewWriter().WriteU32(uint32(CodeBranchRoot)).WriteString(username).Bytes()
}

func ParseBranchRoot(body []byte) (string, error) {
	r := codec.NewReader(body)
	return r.ReadString()
}

// ChildDepth announces how many children we have accepted; our parent uses
// it to decide how far a search should fan out through us.
func BuildChildDepth(depth uint32) []byte {
	return codec.NewWriter().WriteU32(uint32(CodeChildDepth)).WriteU32(depth).Bytes()
}

func ParseChildDepth(body []byte) (uint32, error) {
	r := codec.NewReader(body)
	return r.ReadU32()
}

// EmbeddedMessage wraps a message forwarded verbatim from the server or a
// parent, distinguished by its own distributed code (spec.md §6, shared
// numbering with server code 93).
type EmbeddedMessage struct {
	DistributedCode Code
	Payload         []byte
}

func BuildEmbeddedMessage(code Code, payload []byte) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeEmbeddedMessage))
	w.WriteU32(uint32(code))
	w.WriteRaw(payload)
	return w.Bytes()
}

func ParseEmbeddedMessage(body []byte) (*EmbeddedMessage, error) {
	r := codec.NewReader(body)
	code, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return &EmbeddedMessage{DistributedCode: Code(code), Payload: body[4:]}, nil
}
