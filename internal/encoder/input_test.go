package encoder

import (
	"errors"
	"image"
	"testing"

	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
)

func poolItem(w, h int, ts int64) gfx.BufferItem {
	return gfx.BufferItem{
		Buffer:    gfx.NewBuffer(w, h, gfx.UsageSoftwareRead),
		Timestamp: ts,
		Crop:      image.Rect(0, 0, w, h),
		Transform: gfx.TransformNone,
	}
}

// TestInputPoolHandOff validates the adopt-and-consume path: a submitted
// buffer is attached, queued, delivered to the consume function with its
// metadata, and its slot retired before Submit returns.
func TestInputPoolHandOff(t *testing.T) {
	var got []gfx.BufferItem
	pool, err := newInputPool(320, 180, func(item gfx.BufferItem) error {
		got = append(got, item)
		return nil
	})
	if err != nil {
		t.Fatalf("newInputPool() failed: %v", err)
	}
	defer pool.Close()

	in := poolItem(320, 180, 4242)
	if err := pool.Submit(in); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("consumed %d buffers, want 1", len(got))
	}
	if got[0].Buffer != in.Buffer {
		t.Error("consumed a different buffer than was submitted")
	}
	if got[0].Timestamp != 4242 {
		t.Errorf("timestamp = %d, want 4242", got[0].Timestamp)
	}
	if got[0].Crop != image.Rect(0, 0, 320, 180) {
		t.Errorf("crop = %v, want full frame", got[0].Crop)
	}
	if n := pool.queue.PendingCount(); n != 0 {
		t.Errorf("pool still has %d pending buffers", n)
	}
}

// TestInputPoolRetiresSlots validates that consumed slots are retired:
// submitting well past the slot budget keeps succeeding because every
// hand-off frees its slot again.
func TestInputPoolRetiresSlots(t *testing.T) {
	consumed := 0
	pool, err := newInputPool(64, 64, func(gfx.BufferItem) error {
		consumed++
		return nil
	})
	if err != nil {
		t.Fatalf("newInputPool() failed: %v", err)
	}
	defer pool.Close()

	for i := 0; i < 3*maxInputSlots; i++ {
		if err := pool.Submit(poolItem(64, 64, int64(i))); err != nil {
			t.Fatalf("Submit() #%d failed: %v", i, err)
		}
	}
	if consumed != 3*maxInputSlots {
		t.Errorf("consumed %d buffers, want %d", consumed, 3*maxInputSlots)
	}
}

// TestInputPoolConsumeError validates that a failed hand-off surfaces from
// the Submit that queued the buffer.
func TestInputPoolConsumeError(t *testing.T) {
	boom := errors.New("encoder rejected input")
	fail := true
	pool, err := newInputPool(64, 64, func(gfx.BufferItem) error {
		if fail {
			return boom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("newInputPool() failed: %v", err)
	}
	defer pool.Close()

	if err := pool.Submit(poolItem(64, 64, 1)); !errors.Is(err, boom) {
		t.Errorf("Submit() error = %v, want %v", err, boom)
	}

	fail = false
	if err := pool.Submit(poolItem(64, 64, 2)); err != nil {
		t.Errorf("Submit() after recovery failed: %v", err)
	}
}

// TestInputPoolRejectsGeometryMismatch validates that a buffer of the wrong
// size cannot enter the pool.
func TestInputPoolRejectsGeometryMismatch(t *testing.T) {
	pool, err := newInputPool(320, 180, func(gfx.BufferItem) error { return nil })
	if err != nil {
		t.Fatalf("newInputPool() failed: %v", err)
	}
	defer pool.Close()

	if err := pool.Submit(poolItem(64, 64, 1)); err == nil {
		t.Error("Submit() accepted a mismatched buffer")
	}
}

// TestInputPoolClosed validates that submits after Close fail instead of
// stranding the buffer.
func TestInputPoolClosed(t *testing.T) {
	pool, err := newInputPool(64, 64, func(gfx.BufferItem) error { return nil })
	if err != nil {
		t.Fatalf("newInputPool() failed: %v", err)
	}
	pool.Close()

	if err := pool.Submit(poolItem(64, 64, 1)); err == nil {
		t.Error("Submit() after Close() did not fail")
	}
}
