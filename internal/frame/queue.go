package frame

import (
	"io"
	"sync"
)

// Queue buffers encoded frames between one producer and one reader. The
// reader sees the head frame; the head is only dropped once a later frame
// exists to replace it, so the previously returned payload stays valid while
// the transport is still writing it out. With descriptor emission enabled a
// description is kept per frame, appended and dropped in lockstep.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	frames  []Frame
	descs   [][]byte
	items   []Item
	pending bool
	running bool

	emitDescriptors bool
}

// NewQueue creates a running queue. emitDescriptors controls whether reads
// are preceded by an out-of-band description item.
func NewQueue(emitDescriptors bool) *Queue {
	q := &Queue{
		running:         true,
		emitDescriptors: emitDescriptors,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a frame at the tail and wakes one blocked reader. It never
// fails and never blocks on the reader.
func (q *Queue) Push(f Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	if q.emitDescriptors {
		q.descs = append(q.descs, describe(f))
	}
	q.mu.Unlock()
	q.cond.Signal()
}

// Read blocks until at least one frame exists or the queue is closed, then
// returns the head frame's payload, preceded by its description when
// descriptor emission is on. A result returned by a previous Read is
// acknowledged implicitly: the old head is dropped as soon as a newer head is
// available. With a single buffered frame and a stalled producer, Read
// re-exposes that frame instead of blocking. The returned items are valid
// until the next Read call. After Close, Read returns io.EOF forever.
func (q *Queue) Read() ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.running && len(q.frames) == 0 {
		q.cond.Wait()
	}

	if !q.running {
		return nil, io.EOF
	}

	if q.pending && len(q.frames) > 1 {
		q.frames[0] = Frame{}
		q.frames = q.frames[1:]
		if q.emitDescriptors {
			q.descs[0] = nil
			q.descs = q.descs[1:]
		}
	}

	q.items = q.items[:0]
	if q.emitDescriptors {
		q.items = append(q.items, Item{Data: q.descs[0], OOB: true})
	}
	q.items = append(q.items, Item{Data: q.frames[0].Payload})
	q.pending = true
	return q.items, nil
}

// Close stops the queue, drops buffered frames, and releases all blocked
// readers with end of stream. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.running {
		q.running = false
		q.frames = nil
		q.descs = nil
		q.pending = false
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Running reports whether the queue still accepts and delivers frames.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Len returns the number of buffered frames, the exposed head included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
