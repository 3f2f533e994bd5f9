package frame

import "fmt"

// Kind classifies a frame's role in the encoded stream.
type Kind int

const (
	// Descriptor carries encoder configuration (parameter sets). Its content
	// must reach the decoder before the data it describes.
	Descriptor Kind = iota
	// Keyframe is independently decodable.
	Keyframe
	// Interframe depends on prior frames.
	Interframe
)

// String returns the wire tag used in out-of-band descriptions.
func (k Kind) String() string {
	switch k {
	case Descriptor:
		return "config"
	case Keyframe:
		return "key"
	case Interframe:
		return "delta"
	}
	return "unknown"
}

// Frame is one encoded unit: payload bytes, classification, and the capture
// timestamp in microseconds. Immutable once constructed; from the moment it
// is pushed the queue owns it exclusively until it is popped.
type Frame struct {
	Payload   []byte
	Kind      Kind
	Timestamp int64
}

// Item is one element of a read result. An out-of-band item carries metadata
// describing the frame item that follows it, not frame bytes.
type Item struct {
	Data []byte
	OOB  bool
}

// describe renders the out-of-band description for a frame. The format is
// part of the wire contract with the viewer.
func describe(f Frame) []byte {
	return []byte(fmt.Sprintf(`{"type":"%s","timestamp": %d}`, f.Kind, f.Timestamp))
}
