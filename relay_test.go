package foscam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-mjpeg"
)

// frameSource is a Camera that produces numbered frames until its context is cancelled or lose is called.
type frameSource struct {
	mu     sync.Mutex
	opened int
	err    error
	lost   chan struct{}

	// When gate is set, Queue signals entered and waits for gate to be closed before opening.
	gate    chan struct{}
	entered chan struct{}
}

func newFrameSource() *frameSource {
	return &frameSource{lost: make(chan struct{})}
}

func (s *frameSource) Queue(ctx context.Context, _ Rate, _ Resolution) (*FrameQueue, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.opened++

	q := NewFrameQueue(QueueCapacity)
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()

		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				q.CloseWithError(ErrStopped)
				return
			case <-s.lost:
				q.CloseWithError(io.EOF)
				return
			case <-ticker.C:
				q.Push([]byte(fmt.Sprintf("frame %06d", i)))
			}
		}
	}()
	return q, nil
}

func (s *frameSource) lose() {
	close(s.lost)
}

func (s *frameSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func isTestFrame(b []byte) bool {
	return bytes.HasPrefix(b, []byte("frame "))
}

func TestRelaySharesOneCameraStream(t *testing.T) {
	src := newFrameSource()
	r := NewRelay(newTestLogger(t), src, Rate30FPS, Resolution320x240)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v1, err := r.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, err := r.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v1.ID() == v2.ID() {
		t.Fatal("viewers must have distinct IDs")
	}
	if src.openCount() != 1 {
		t.Fatalf("expected one camera stream, got %d", src.openCount())
	}

	for _, v := range []*Viewer{v1, v2} {
		frame, err := v.GetFrame(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !isTestFrame(frame) {
			t.Fatalf("unexpected frame %q", frame)
		}
	}

	if stats := r.Stats(); !stats.Running || stats.Viewers != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	v1.Close()
	v1.Close()
	if _, err := v1.GetFrame(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := v2.GetFrame(ctx); err != nil {
		t.Fatalf("remaining viewer lost the stream: %v", err)
	}

	v2.Close()
	waitFor(t, 5*time.Second, func() bool { return !r.Stats().Running })

	v3, err := r.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer v3.Close()
	if src.openCount() != 2 {
		t.Fatalf("expected the camera to be reopened, got %d opens", src.openCount())
	}
	if _, err := v3.GetFrame(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRelayCameraLoss(t *testing.T) {
	src := newFrameSource()
	r := NewRelay(newTestLogger(t), src, Rate30FPS, Resolution320x240)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := r.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer v.Close()

	if _, err := v.GetFrame(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src.lose()

	for {
		_, err := v.GetFrame(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNoFrames) {
			t.Fatalf("expected ErrNoFrames, got %v", err)
		}
		break
	}

	waitFor(t, 5*time.Second, func() bool {
		s := r.Stats()
		return !s.Running && s.Viewers == 0
	})
}

func TestRelaySlowCameraOpen(t *testing.T) {
	src := newFrameSource()
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 2)
	r := NewRelay(newTestLogger(t), src, Rate30FPS, Resolution320x240)

	type result struct {
		v   *Viewer
		err error
	}
	results := make(chan result, 2)
	start := func() {
		v, err := r.Start()
		results <- result{v, err}
	}

	go start()
	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("the camera was never opened")
	}
	go start()

	stats := make(chan RelayStats, 1)
	go func() { stats <- r.Stats() }()
	select {
	case s := <-stats:
		if s.Running || s.Viewers != 0 {
			t.Fatalf("unexpected stats while opening %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Stats blocked while the camera was opening")
	}

	close(src.gate)

	for n := 0; n < 2; n++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("unexpected error: %v", res.err)
			}
			defer res.v.Close()
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not return")
		}
	}

	if src.openCount() != 1 {
		t.Fatalf("expected one camera stream, got %d", src.openCount())
	}
	if s := r.Stats(); !s.Running || s.Viewers != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestRelayStartFailure(t *testing.T) {
	src := newFrameSource()
	src.err = &StatusError{Code: http.StatusUnauthorized, URL: "http://camera/videostream.cgi"}
	r := NewRelay(newTestLogger(t), src, Rate30FPS, Resolution320x240)

	_, err := r.Start()
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if r.Stats().Running {
		t.Fatal("relay must not be running after a failed start")
	}
}

func TestRelayLimiter(t *testing.T) {
	r := NewRelay(newTestLogger(t), newFrameSource(), Rate30FPS, Resolution320x240)
	if r.limiter() != nil {
		t.Fatal("expected no limiter without a frame rate cap")
	}

	r = NewRelay(newTestLogger(t), newFrameSource(), Rate30FPS, Resolution320x240, WithMaxFPS(2))
	l := r.limiter()
	if l == nil {
		t.Fatal("expected a limiter")
	}
	if !l.Allow() {
		t.Fatal("first frame must be allowed")
	}
	if l.Allow() {
		t.Fatal("second immediate frame must be skipped")
	}
}

func TestRelayHTTPHandler(t *testing.T) {
	src := newFrameSource()
	r := NewRelay(newTestLogger(t), src, Rate30FPS, Resolution320x240)

	srv := httptest.NewServer(http.HandlerFunc(r.HTTPHandler))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace; boundary=") {
		t.Fatalf("unexpected content type %q", ct)
	}

	dec, err := mjpeg.NewDecoderFromResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for n := 0; n < 3; n++ {
		frame, err := dec.DecodeRaw()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !isTestFrame(frame) {
			t.Fatalf("unexpected frame %q", frame)
		}
	}

	resp.Body.Close()
	waitFor(t, 5*time.Second, func() bool { return r.Stats().Viewers == 0 })
}

func TestRelayHTTPHandlerCameraUnavailable(t *testing.T) {
	src := newFrameSource()
	src.err = errors.New("connection refused")
	r := NewRelay(newTestLogger(t), src, Rate30FPS, Resolution320x240)

	rec := httptest.NewRecorder()
	r.HTTPHandler(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestContextMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ended := make(chan struct{})

	h := ContextMiddleware(ctx, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(ended)
	})

	go h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream", nil))
	cancel()

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelling the middleware context did not end the request")
	}
}

func TestRelayWebSocketHandler(t *testing.T) {
	src := newFrameSource()
	r := NewRelay(newTestLogger(t), src, Rate30FPS, Resolution320x240)

	srv := httptest.NewServer(http.HandlerFunc(r.WebSocketHandler))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for n := 0; n < 3; n++ {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if kind != websocket.BinaryMessage || !isTestFrame(frame) {
			t.Fatalf("unexpected message %d %q", kind, frame)
		}
	}

	src.lose()

	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("expected a going away close, got %v", err)
		}
		break
	}
}

func TestRelayWebSocketOrigin(t *testing.T) {
	tests := []struct {
		name    string
		opts    []RelayOption
		origin  string
		allowed bool
	}{
		{"no origin header", nil, "", true},
		{"same origin", nil, "same", true},
		{"cross origin rejected", nil, "https://evil.example.com", false},
		{"cross origin allowed", []RelayOption{WithAllowedOrigins("https://dash.example.com")}, "https://dash.example.com", true},
		{"other origin still rejected", []RelayOption{WithAllowedOrigins("https://dash.example.com")}, "https://evil.example.com", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := newFrameSource()
			r := NewRelay(newTestLogger(t), src, Rate30FPS, Resolution320x240, tc.opts...)

			srv := httptest.NewServer(http.HandlerFunc(r.WebSocketHandler))
			defer srv.Close()

			header := http.Header{}
			switch tc.origin {
			case "":
			case "same":
				header.Set("Origin", srv.URL)
			default:
				header.Set("Origin", tc.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
			if !tc.allowed {
				if err == nil {
					conn.Close()
					t.Fatal("expected the handshake to be rejected")
				}
				if resp == nil || resp.StatusCode != http.StatusForbidden {
					t.Fatalf("expected 403, got %v", resp)
				}
				if src.openCount() != 0 {
					t.Fatal("a rejected viewer must not open the camera")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
