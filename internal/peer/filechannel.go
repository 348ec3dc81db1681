package peer

// F-channel raw (post-handshake) primitives shared by UploadManager and
// DownloadManager (spec.md §4.6 step 4, §4.7 step 3): the 4-byte
// FileTransferInit token and the 8-byte resume offset.

import (
	"time"

	protopeer "github.com/soulseek-go/slsk/internal/protocol/peer"
)

// SendFileTransferInit writes the 4-byte token that opens an F channel as
// the connecting side, after a direct PeerInit dial (spec.md §4.6 step 4).
func SendFileTransferInit(c *Connection, token uint32) error {
	return c.SendRaw(protopeer.BuildFileTransferInit(token))
}

// ReadFileTransferInit reads the 4-byte token that opens an F channel,
// used by the adopting side after an incoming direct or pierced connection
// (spec.md §4.7 step 3).
func ReadFileTransferInit(c *Connection, timeout time.Duration) (uint32, error) {
	raw, err := c.ReceiveRawExact(4, timeout)
	if err != nil {
		return 0, err
	}
	return protopeer.ParseFileTransferInit(raw)
}

// SendResumeOffset writes the 8-byte resume offset (spec.md §4.7 step 3).
func SendResumeOffset(c *Connection, offset uint64) error {
	return c.SendRaw(protopeer.BuildResumeOffset(offset))
}

// ReadResumeOffset reads the 8-byte resume offset the receiving side sends
// back on the F channel (spec.md §4.6 step 4 "read exactly 8 bytes").
func ReadResumeOffset(c *Connection, timeout time.Duration) (uint64, error) {
	raw, err := c.ReceiveRawExact(8, timeout)
	if err != nil {
		return 0, err
	}
	return protopeer.ParseResumeOffset(raw)
}
