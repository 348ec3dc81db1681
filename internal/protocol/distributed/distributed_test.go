package distributed

import (
	"testing"

	"github.com/soulseek-go/slsk/internal/codec"
)

func TestPingIsCodeOnly(t *testing.T) {
	msg := BuildPing()
	code, body, err := codec.CodeU32(msg)
	if err != nil {
		t.Fatalf("CodeU32: %v", err)
	}
	if Code(code) != CodePing || len(body) != 0 {
		t.Fatalf("unexpected ping: code=%d body=%v", code, body)
	}
}

func TestSearchRequestRoundTrip(t *testing.T) {
	msg := BuildSearchRequest(SearchRequest{Username: "alice", Token: 7, Query: "pink floyd"})
	_, body, err := codec.CodeU32(msg)
	if err != nil {
		t.Fatalf("CodeU32: %v", err)
	}

	req, err := ParseSearchRequest(body)
	if err != nil {
		t.Fatalf("ParseSearchRequest: %v", err)
	}
	if req.Username != "alice" || req.Token != 7 || req.Query != "pink floyd" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestBranchLevelAndRootRoundTrip(t *testing.T) {
	_, body, _ := codec.CodeU32(BuildBranchLevel(3))
	level, err := ParseBranchLevel(body)
	if err != nil || level != 3 {
		t.Fatalf("branch level = (%d,%v)", level, err)
	}

	_, body, _ = codec.CodeU32(BuildBranchRoot("root-user"))
	root, err := ParseBranchRoot(body)
	if err != nil || root != "root-user" {
		t.Fatalf("branch root = (%q,%v)", root, err)
	}
}

func TestChildDepthRoundTrip(t *testing.T) {
	_, body, _ := codec.CodeU32(BuildChildDepth(2))
	depth, err := ParseChildDepth(body)
	if err != nil || depth != 2 {
		t.Fatalf("child depth = (%d,%v)", depth, err)
	}
}

func TestEmbeddedMessageRoundTrip(t *testing.T) {
	msg := BuildEmbeddedMessage(CodeSearchRequest, []byte{1, 2, 3})
	_, body, err := codec.CodeU32(msg)
	if err != nil {
		t.Fatalf("CodeU32: %v", err)
	}

	em, err := ParseEmbeddedMessage(body)
	if err != nil {
		t.Fatalf("ParseEmbeddedMessage: %v", err)
	}
	if em.DistributedCode != CodeSearchRequest || len(em.Payload) != 3 {
		t.Fatalf("unexpected embedded message: %+v", em)
	}
}
