package foscam

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Camera is a source of frame queues. *Client implements it.
type Camera interface {
	Queue(ctx context.Context, rate Rate, res Resolution) (*FrameQueue, error)
}

// Relay shares one camera video stream between any number of viewers.
// The camera stream is opened when the first viewer arrives and closed when the last one leaves.
type Relay struct {
	cam     Camera
	rate    Rate
	res     Resolution
	log     *zap.SugaredLogger
	maxFPS  float64
	origins []string

	lock    sync.RWMutex
	opening chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	viewers map[viewerID]*FrameQueue

	relayed atomic.Uint64
}

type RelayOption func(*Relay)

// WithMaxFPS caps the frame rate sent to each viewer. Frames over the cap are skipped.
func WithMaxFPS(fps float64) RelayOption {
	return func(r *Relay) {
		r.maxFPS = fps
	}
}

// WithAllowedOrigins lets WebSocket viewers connect from pages served by the given origins, such as
// "https://dashboard.example.com". Same-origin requests are always accepted.
func WithAllowedOrigins(origins ...string) RelayOption {
	return func(r *Relay) {
		r.origins = origins
	}
}

func NewRelay(log *zap.SugaredLogger, cam Camera, rate Rate, res Resolution, opts ...RelayOption) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Relay{
		cam:     cam,
		rate:    rate,
		res:     res,
		log:     log,
		viewers: make(map[viewerID]*FrameQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start adds a viewer, opening the camera stream if this is the first one.
func (r *Relay) Start() (*Viewer, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	// Another viewer may be opening the camera, or the previous camera stream may still be shutting down after its
	// last viewer left.
	for {
		wait := r.opening
		if wait == nil && len(r.viewers) == 0 {
			wait = r.done
		}
		if wait == nil {
			break
		}
		r.lock.Unlock()
		<-wait
		r.lock.Lock()
	}

	if len(r.viewers) == 0 {
		if err := r.open(); err != nil {
			return nil, err
		}
	}

	frames := NewFrameQueue(QueueCapacity)
	v := newViewer(frames, r.stop)
	r.viewers[v.id] = frames
	r.log.Infow("Viewer joined", "viewer", v.id, "viewers", len(r.viewers))

	return v, nil
}

// open starts the camera stream. It is called with r.lock held and releases it while the camera answers.
func (r *Relay) open() error {
	opening := make(chan struct{})
	r.opening = opening
	r.lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := r.cam.Queue(ctx, r.rate, r.res)

	r.lock.Lock()
	r.opening = nil
	close(opening)

	if err != nil {
		cancel()
		return fmt.Errorf("failed to start camera: %w", err)
	}
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx, cancel, frames, r.done)
	return nil
}

// run sends every camera frame to all viewers until the camera stream ends.
func (r *Relay) run(ctx context.Context, cancel context.CancelFunc, frames *FrameQueue, done chan struct{}) {
	defer close(done)

	for {
		frame, err := frames.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warnw("Camera stream ended", "error", err)
			}
			break
		}

		// A slow viewer only loses its own oldest frame
		r.lock.RLock()
		for _, viewer := range r.viewers {
			viewer.Push(frame)
		}
		r.lock.RUnlock()
		r.relayed.Add(1)
	}

	// Make sure the camera connection is gone before another stream can be opened on the same client.
	cancel()
	<-frames.Done()

	r.lock.Lock()
	for id, viewer := range r.viewers {
		viewer.CloseWithError(ErrNoFrames)
		delete(r.viewers, id)
	}
	r.cancel = nil
	r.done = nil
	r.lock.Unlock()

	r.log.Infow("Camera stopped", "frames", r.relayed.Load())
}

func (r *Relay) stop(id viewerID) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if frames, ok := r.viewers[id]; ok {
		frames.CloseWithError(ErrClosed)
		delete(r.viewers, id)
	}
	r.log.Infow("Viewer left", "viewer", id, "viewers", len(r.viewers))

	if len(r.viewers) == 0 && r.cancel != nil {
		r.log.Debugw("Cancelling camera stream")
		r.cancel()
		r.cancel = nil
	}
}

// limiter returns a per-viewer rate limiter, or nil if the frame rate is not capped.
func (r *Relay) limiter() *rate.Limiter {
	if r.maxFPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(r.maxFPS), 1)
}

type RelayStats struct {
	Running bool   `json:"running"`
	Viewers int    `json:"viewers"`
	Relayed uint64 `json:"frames_relayed"`
	Dropped uint64 `json:"frames_dropped"`
}

// Stats reports the relay's current state. Dropped counts frames lost by the viewers currently connected.
func (r *Relay) Stats() RelayStats {
	r.lock.RLock()
	defer r.lock.RUnlock()

	s := RelayStats{
		Running: r.done != nil,
		Viewers: len(r.viewers),
		Relayed: r.relayed.Load(),
	}
	for _, viewer := range r.viewers {
		s.Dropped += viewer.Dropped()
	}
	return s
}
