// Package foscam is a client for the HTTP CGI interface of Foscam-style IP cameras.
//
// Besides control commands and still snapshots, the client turns the camera's multipart MJPEG stream into a bounded
// FrameQueue that always holds the most recent frames:
//
//	cam := foscam.New("192.168.1.20")
//	frames, err := cam.Queue(ctx, foscam.Rate15FPS, foscam.Resolution640x480)
//	...
//	for {
//		img, err := frames.Next(ctx)
//		...
//	}
package foscam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrStreamActive = errors.New("a video stream is already active on this client")

type Client struct {
	host       string
	scheme     string
	httpClient *http.Client
	log        *zap.SugaredLogger
	operator   credentials
	guest      credentials

	lock    sync.Mutex
	session *session
}

type Option func(*Client)

// WithHTTPClient sets the HTTP client used for all requests. It should not have a Timeout since video streams never
// end on their own.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithOperator sets the credentials sent with decoder_control.cgi.
func WithOperator(user, pwd string) Option {
	return func(c *Client) {
		c.operator = credentials{user: user, pwd: pwd}
	}
}

// WithGuest sets the credentials sent with snapshot.cgi and videostream.cgi.
func WithGuest(user, pwd string) Option {
	return func(c *Client) {
		c.guest = credentials{user: user, pwd: pwd}
	}
}

// New returns a client for the camera at host, given as "host" or "host:port".
func New(host string, opts ...Option) *Client {
	c := &Client{
		host:       host,
		scheme:     "http",
		httpClient: http.DefaultClient,
		log:        zap.NewNop().Sugar(),
		operator:   credentials{user: "operator"},
		guest:      credentials{user: "guest"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Host() string {
	return c.host
}

// IR switches the infrared illumination on or off.
func (c *Client) IR(ctx context.Context, on bool) error {
	if on {
		return c.DecoderControl(ctx, CommandIROn)
	}
	return c.DecoderControl(ctx, CommandIROff)
}

// Move starts panning or tilting in direction d until Halt is called.
func (c *Client) Move(ctx context.Context, d Direction) error {
	move, _, err := d.commands()
	if err != nil {
		return err
	}
	return c.DecoderControl(ctx, move)
}

func (c *Client) Halt(ctx context.Context, d Direction) error {
	_, halt, err := d.commands()
	if err != nil {
		return err
	}
	return c.DecoderControl(ctx, halt)
}

// DecoderControl sends a decoder_control.cgi command and waits for the response.
func (c *Client) DecoderControl(ctx context.Context, cmd Command) error {
	u := c.cgiURL("decoder_control.cgi", c.operator, param{"command", int(cmd)})
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to read decoder control response: %w", err)
	}
	c.log.Debugw("Decoder command sent", "command", int(cmd))
	return nil
}

// Snapshot fetches one JPEG still image.
func (c *Client) Snapshot(ctx context.Context, res Resolution) ([]byte, error) {
	u := c.cgiURL("snapshot.cgi", c.guest, param{"resolution", int(res)})
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	img, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return img, nil
}

// Queue opens the camera's video stream and returns a FrameQueue that a background goroutine keeps filled with the
// most recent frames. It returns as soon as the camera has answered.
//
// Only one stream may be active per Client; Queue returns ErrStreamActive until the previous queue is Done.
// The stream lasts until Stop or Close is called, ctx is cancelled, or the connection fails. The reason is available
// from the queue once it is Done.
func (c *Client) Queue(ctx context.Context, rate Rate, res Resolution) (*FrameQueue, error) {
	c.lock.Lock()
	if c.session != nil && !c.session.finished() {
		c.lock.Unlock()
		return nil, ErrStreamActive
	}

	// The session holds the slot while the camera answers, so Stop and Close can reach it.
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:     uuid.NewString(),
		cancel: cancel,
		queue:  NewFrameQueue(QueueCapacity),
		log:    c.log,
	}
	c.session = s
	c.lock.Unlock()

	u := c.cgiURL("videostream.cgi", c.guest, param{"rate", int(rate)}, param{"resolution", int(res)})
	resp, err := c.get(ctx, u)

	c.lock.Lock()
	defer c.lock.Unlock()

	if err != nil {
		cancel()
		s.queue.CloseWithError(err)
		return nil, err
	}

	s.body = resp.Body
	s.reader = NewReader(resp.Body)
	if s.stopped {
		s.reader.Stop()
	}

	// async camera frame reader
	go s.pump()

	c.log.Infow("Video stream started", "session", s.id, "rate", int(rate), "resolution", res.String())
	return s.queue, nil
}

// Stop asks the active stream to end. The background goroutine notices before reading the next frame, so it may take
// up to one frame to finish. A stream still being opened ends before its first frame.
func (c *Client) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session != nil {
		c.session.stop()
	}
}

// Close stops the active stream and closes its connection, interrupting a read in progress or a stream being opened.
func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session == nil {
		return nil
	}
	c.session.stop()
	c.session.cancel()
	if c.session.body == nil {
		return nil
	}
	return c.session.body.Close()
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("camera request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: redact(req)}
	}
	return resp, nil
}

// redact drops the query string, which carries the credentials.
func redact(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}

// session is one video stream and the goroutine pumping it into a FrameQueue.
// body and reader are nil until the camera has answered. All fields except queue are guarded by the client lock.
type session struct {
	id      string
	cancel  context.CancelFunc
	body    io.ReadCloser
	reader  *Reader
	queue   *FrameQueue
	log     *zap.SugaredLogger
	stopped bool
}

func (s *session) stop() {
	s.stopped = true
	if s.reader != nil {
		s.reader.Stop()
	}
}

func (s *session) pump() {
	defer s.cancel()
	defer s.body.Close()

	for {
		frame, err := s.reader.Next()
		if err != nil {
			s.queue.CloseWithError(err)
			break
		}

		if s.queue.Push(frame) {
			s.log.Debugw("Consumer is slow, dropped oldest frame", "session", s.id)
		}
	}

	err := s.queue.Err()
	switch {
	case errors.Is(err, ErrStopped), errors.Is(err, io.EOF):
		s.log.Infow("Video stream ended", "session", s.id, "reason", err, "frames", s.queue.Pushed())
	default:
		s.log.Warnw("Video stream failed", "session", s.id, "error", err, "frames", s.queue.Pushed())
	}
}

func (s *session) finished() bool {
	select {
	case <-s.queue.Done():
		return true
	default:
		return false
	}
}
