package foscam

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type viewerID string

var ErrClosed = errors.New("stream closed")
var ErrNoFrames = errors.New("no image frames to read")

// Viewer provides []byte frames from a Relay.
// It is intended to be used by a single consumer.
type Viewer struct {
	closed bool
	frames *FrameQueue
	id     viewerID
	stop   func(id viewerID)
}

func newViewer(frames *FrameQueue, stop func(viewerID)) *Viewer {
	return &Viewer{
		id:     viewerID(uuid.NewString()),
		frames: frames,
		stop:   stop,
	}
}

func (v *Viewer) ID() string {
	return string(v.id)
}

// GetFrame returns a single image frame, blocking to wait until the next frame if necessary.
// It returns ErrNoFrames once the relay has lost the camera.
func (v *Viewer) GetFrame(ctx context.Context) ([]byte, error) {
	if v.closed {
		return nil, ErrClosed
	}

	return v.frames.Next(ctx)
}

// Close detaches the viewer from the relay.
func (v *Viewer) Close() {
	if v.closed {
		return
	}
	v.closed = true
	if v.stop != nil {
		v.stop(v.id)
	}
}
