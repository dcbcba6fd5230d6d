package agent

import (
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/zach-source/vaultagent/internal/protocol"
	"github.com/zach-source/vaultagent/internal/security"
)

// Conn is the per-connection context handed to every handler. Replies are
// serialized so a frame is never interleaved with another.
type Conn struct {
	ID   string
	Peer security.PeerInfo

	mu      sync.Mutex
	w       io.Writer
	replies int
}

func NewConn(w io.Writer, peer security.PeerInfo) *Conn {
	return &Conn{
		ID:   uuid.NewString(),
		Peer: peer,
		w:    w,
	}
}

// Reply writes one complete frame.
func (c *Conn) Reply(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies++
	return protocol.WriteFrame(c.w, f)
}

// Replies returns how many frames were written.
func (c *Conn) Replies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies
}
