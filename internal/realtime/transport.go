package realtime

import (
	"context"

	"github.com/wadesk/syncd/internal/session"
)

// Transport opens physical push connections. The Manager owns the only
// Transport reference in the process.
type Transport interface {
	Dial(ctx context.Context, identity session.Identity) (Conn, error)
}

// Conn is a single established push connection.
// Send may be called concurrently with Receive; Receive is called from one goroutine.
type Conn interface {
	Send(envelope Envelope) error
	Receive() (Envelope, error)
	Close() error
}
