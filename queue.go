package foscam

import (
	"context"
	"sync"
	"sync/atomic"
)

// QueueCapacity is the number of frames a camera queue holds.
const QueueCapacity = 2

// FrameQueue is a bounded FIFO of frames with an overwrite-oldest policy.
// A full queue drops its oldest frame to make room, so the producer never blocks and the consumer always sees the most
// recent frames.
//
// It is intended to be used by a single producer and a single consumer.
type FrameQueue struct {
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	err       error

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		frames: make(chan []byte, capacity),
		done:   make(chan struct{}),
	}
}

// Push appends frame, first evicting the oldest frame if the queue is full. It never blocks.
// It reports whether a frame was evicted. Push after CloseWithError is a no-op.
func (q *FrameQueue) Push(frame []byte) (evicted bool) {
	if q.closed.Load() {
		return false
	}
	q.pushed.Add(1)

	select {
	case q.frames <- frame:
		return false
	default:
	}

	// Full. The consumer may be reading concurrently, so the eviction must not block either.
	select {
	case <-q.frames:
		evicted = true
		q.dropped.Add(1)
	default:
	}

	// Sole producer: there is room now.
	q.frames <- frame
	return evicted
}

// Next returns the oldest buffered frame, waiting until one is available.
// Once the producer has finished and the buffer is drained, it returns the error the queue was closed with.
func (q *FrameQueue) Next(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-q.frames:
		if !ok {
			return nil, q.err
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetFrame returns a single image frame, blocking to wait until the next frame if necessary.
func (q *FrameQueue) GetFrame() ([]byte, error) {
	return q.Next(context.Background())
}

// TryNext returns the oldest buffered frame without waiting.
func (q *FrameQueue) TryNext() ([]byte, bool) {
	select {
	case frame, ok := <-q.frames:
		return frame, ok
	default:
		return nil, false
	}
}

// CloseWithError marks the end of the frame sequence. Buffered frames remain readable; after them Next returns err,
// or ErrClosed if err is nil. Only the first call has an effect. It must not race with Push, so it is called by the
// producer.
func (q *FrameQueue) CloseWithError(err error) {
	q.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		q.err = err
		q.closed.Store(true)
		close(q.frames)
		close(q.done)
	})
}

// Done is closed once the producer has finished.
func (q *FrameQueue) Done() <-chan struct{} {
	return q.done
}

// Err returns the reason the producer finished, or nil while it is still running.
func (q *FrameQueue) Err() error {
	select {
	case <-q.done:
		return q.err
	default:
		return nil
	}
}

func (q *FrameQueue) Len() int { return len(q.frames) }

func (q *FrameQueue) Cap() int { return cap(q.frames) }

// Pushed is the number of frames offered to the queue.
func (q *FrameQueue) Pushed() uint64 { return q.pushed.Load() }

// Dropped is the number of frames evicted before the consumer read them.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
