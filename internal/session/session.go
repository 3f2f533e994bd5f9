// Package session owns the capture lifecycle behind one opened capability:
// the compositor connection, the capture surface bridging it to an encoder
// backend, and the frame queue the transport reads from. Sessions come from
// Open; one session serves one reader.
package session

import (
	"github.com/bryanchriswhite/ScreenWire/internal/frame"
)

// Session is one opened capture capability.
type Session interface {
	// Kind returns the capability prefix the session was opened under, such
	// as "video/h264".
	Kind() string

	// SupportsRead reports whether Read delivers data.
	SupportsRead() bool

	// SupportsWrite reports whether the session accepts input. No current
	// variant does.
	SupportsWrite() bool

	// Read blocks until the next delivery is ready. The returned items stay
	// valid until the next Read call. After Destroy, Read returns io.EOF on
	// every call.
	Read() ([]frame.Item, error)

	// Destroy stops capture and releases everything the session owns,
	// waking any blocked reader with end of stream. Idempotent.
	Destroy()
}
