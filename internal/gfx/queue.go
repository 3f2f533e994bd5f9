package gfx

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

// Transform is the orientation applied to a queued buffer, in quarter turns.
type Transform int

const (
	TransformNone Transform = iota
	Transform90
	Transform180
	Transform270
)

var (
	// ErrNoFreeBuffers is returned by Dequeue when every slot is in use.
	ErrNoFreeBuffers = errors.New("gfx: no free buffers")
	// ErrNoBufferAvailable is returned by Acquire when nothing is queued.
	ErrNoBufferAvailable = errors.New("gfx: no buffer available")
	// ErrBadSlot is returned for operations on a slot in the wrong state.
	ErrBadSlot = errors.New("gfx: bad slot")
	// ErrDisconnected is returned once a side has disconnected.
	ErrDisconnected = errors.New("gfx: queue disconnected")
)

// BufferItem is an acquired buffer plus the metadata it was queued with.
type BufferItem struct {
	Buffer    *Buffer
	Slot      int
	Timestamp int64 // microseconds
	Crop      image.Rectangle
	Transform Transform
}

// ConsumerListener receives queue-side events on the producer's goroutine.
// Implementations must not call back into the queue's blocking entry points
// from these callbacks beyond acquire/detach/release.
type ConsumerListener interface {
	// OnFrameAvailable fires after a buffer is queued.
	OnFrameAvailable()
	// OnFrameReplaced fires instead when the queued buffer displaced a
	// not-yet-acquired one.
	OnFrameReplaced()
	// OnBuffersReleased fires when the queue frees its slot table.
	OnBuffersReleased()
	// OnDisconnect fires when the producer side disconnects.
	OnDisconnect()
}

// ProducerListener receives buffer-return events on the consumer's goroutine.
type ProducerListener interface {
	// OnBufferReleased fires after the consumer releases a buffer back.
	OnBufferReleased()
}

type slotState int

const (
	slotFree slotState = iota
	slotDequeued
	slotQueued
	slotAcquired
)

type slot struct {
	buffer *Buffer
	state  slotState
	item   BufferItem
}

// BufferQueue moves graphics buffers between one producer and one consumer
// with explicit ownership transfer: the producer dequeues a free slot, fills
// it, and queues it; the consumer acquires it and either releases it back or
// detaches it, taking the buffer out of the queue for good. At most
// maxPending filled buffers wait for the consumer; queueing past that
// replaces the newest pending buffer so a stalled consumer always finds the
// latest content. Listeners are invoked without the queue lock held.
type BufferQueue struct {
	mu sync.Mutex

	width, height int
	usage         Usage
	maxSlots      int
	maxPending    int

	slots   map[int]*slot
	nextKey int
	pending []int // queued slot keys, oldest first

	consumer ConsumerListener
	producer ProducerListener

	producerConnected bool
	consumerConnected bool
}

// NewBufferQueue creates a queue whose buffers are allocated lazily with the
// given geometry and usage.
func NewBufferQueue(width, height int, usage Usage, maxSlots int) *BufferQueue {
	if maxSlots < 2 {
		maxSlots = 2
	}
	return &BufferQueue{
		width:      width,
		height:     height,
		usage:      usage,
		maxSlots:   maxSlots,
		maxPending: 2,
		slots:      make(map[int]*slot),
	}
}

// Usage returns the usage bits buffers are allocated with.
func (q *BufferQueue) Usage() Usage { return q.usage }

// ConnectProducer attaches the producer side.
func (q *BufferQueue) ConnectProducer(l ProducerListener) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.producerConnected {
		return fmt.Errorf("gfx: producer already connected")
	}
	q.producer = l
	q.producerConnected = true
	return nil
}

// ConnectConsumer attaches the consumer side.
func (q *BufferQueue) ConnectConsumer(l ConsumerListener) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumerConnected {
		return fmt.Errorf("gfx: consumer already connected")
	}
	q.consumer = l
	q.consumerConnected = true
	return nil
}

// Dequeue hands the producer a free buffer, allocating one while the slot
// budget allows.
func (q *BufferQueue) Dequeue() (int, *Buffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.producerConnected {
		return 0, nil, ErrDisconnected
	}

	for key, s := range q.slots {
		if s.state == slotFree {
			s.state = slotDequeued
			return key, s.buffer, nil
		}
	}
	if len(q.slots) >= q.maxSlots {
		return 0, nil, ErrNoFreeBuffers
	}

	key := q.nextKey
	q.nextKey++
	s := &slot{
		buffer: NewBuffer(q.width, q.height, q.usage),
		state:  slotDequeued,
	}
	q.slots[key] = s
	return key, s.buffer, nil
}

// Cancel returns a dequeued, unfilled buffer to the free pool.
func (q *BufferQueue) Cancel(key int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.slots[key]
	if !ok || s.state != slotDequeued {
		return ErrBadSlot
	}
	s.state = slotFree
	return nil
}

// Queue submits a filled buffer to the consumer with its metadata and fires
// OnFrameAvailable, or OnFrameReplaced when it displaced a pending buffer.
func (q *BufferQueue) Queue(key int, timestamp int64, crop image.Rectangle, transform Transform) error {
	q.mu.Lock()
	s, ok := q.slots[key]
	if !ok || s.state != slotDequeued {
		q.mu.Unlock()
		return ErrBadSlot
	}

	s.state = slotQueued
	s.item = BufferItem{
		Buffer:    s.buffer,
		Slot:      key,
		Timestamp: timestamp,
		Crop:      crop,
		Transform: transform,
	}

	replaced := false
	if len(q.pending) >= q.maxPending {
		last := q.pending[len(q.pending)-1]
		q.pending = q.pending[:len(q.pending)-1]
		q.slots[last].state = slotFree
		replaced = true
	}
	q.pending = append(q.pending, key)
	consumer := q.consumer
	q.mu.Unlock()

	if consumer != nil {
		if replaced {
			consumer.OnFrameReplaced()
		} else {
			consumer.OnFrameAvailable()
		}
	}
	return nil
}

// Attach adopts a buffer detached from another queue. The buffer enters in
// dequeued state, owned by the producer, ready to be queued.
func (q *BufferQueue) Attach(b *Buffer) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.producerConnected {
		return 0, ErrDisconnected
	}
	if len(q.slots) >= q.maxSlots {
		return 0, ErrNoFreeBuffers
	}
	if b.Width != q.width || b.Height != q.height {
		return 0, fmt.Errorf("gfx: attach geometry %dx%d does not match queue %dx%d",
			b.Width, b.Height, q.width, q.height)
	}

	key := q.nextKey
	q.nextKey++
	q.slots[key] = &slot{buffer: b, state: slotDequeued}
	return key, nil
}

// Acquire hands the consumer the oldest queued buffer.
func (q *BufferQueue) Acquire() (BufferItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.consumerConnected {
		return BufferItem{}, ErrDisconnected
	}
	if len(q.pending) == 0 {
		return BufferItem{}, ErrNoBufferAvailable
	}

	key := q.pending[0]
	q.pending = q.pending[1:]
	s := q.slots[key]
	s.state = slotAcquired
	return s.item, nil
}

// Detach removes an acquired buffer from the queue entirely, transferring
// ownership to the caller. The slot is retired.
func (q *BufferQueue) Detach(key int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.slots[key]
	if !ok || s.state != slotAcquired {
		return ErrBadSlot
	}
	delete(q.slots, key)
	return nil
}

// Release returns an acquired buffer to the free pool and notifies the
// producer.
func (q *BufferQueue) Release(key int) error {
	q.mu.Lock()
	s, ok := q.slots[key]
	if !ok || s.state != slotAcquired {
		q.mu.Unlock()
		return ErrBadSlot
	}
	s.state = slotFree
	s.item = BufferItem{}
	producer := q.producer
	q.mu.Unlock()

	if producer != nil {
		producer.OnBufferReleased()
	}
	return nil
}

// DisconnectProducer detaches the producer side, frees undelivered buffers,
// and notifies the consumer.
func (q *BufferQueue) DisconnectProducer() {
	q.mu.Lock()
	if !q.producerConnected {
		q.mu.Unlock()
		return
	}
	q.producerConnected = false
	q.producer = nil
	for _, key := range q.pending {
		q.slots[key].state = slotFree
	}
	q.pending = nil
	consumer := q.consumer
	q.mu.Unlock()

	if consumer != nil {
		consumer.OnDisconnect()
	}
}

// DisconnectConsumer detaches the consumer side and frees the slot table.
// Buffers still acquired stay with their current owner.
func (q *BufferQueue) DisconnectConsumer() {
	q.mu.Lock()
	if !q.consumerConnected {
		q.mu.Unlock()
		return
	}
	q.consumerConnected = false
	consumer := q.consumer
	q.consumer = nil
	for key, s := range q.slots {
		if s.state != slotAcquired {
			delete(q.slots, key)
		}
	}
	q.pending = nil
	q.mu.Unlock()

	if consumer != nil {
		consumer.OnBuffersReleased()
	}
}

// PendingCount returns the number of filled buffers waiting for the consumer.
func (q *BufferQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
