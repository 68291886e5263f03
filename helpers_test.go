package foscam

import (
	"bytes"
	"fmt"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testBoundary = "--ipcamera"

// writeFrame writes one frame the way the camera frames videostream.cgi.
func writeFrame(w io.Writer, body []byte) {
	fmt.Fprintf(w, "%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", testBoundary, len(body))
	_, _ = w.Write(body)
	_, _ = io.WriteString(w, "\r\n")
}

// testFrame returns a body of n bytes that also contains what a line-based parser would mistake for headers.
func testFrame(n int, seed byte) []byte {
	pattern := append([]byte{0xFF, 0xD8, seed}, []byte("\r\n"+testBoundary+"\r\nContent-Length: 7\r\n\r\n")...)
	b := bytes.Repeat(pattern, n/len(pattern)+1)
	return b[:n]
}

func newTestLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	logger, err := cfg.Build()
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	t.Cleanup(func() {
		_ = logger.Sync()
	})
	return logger.Sugar()
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
