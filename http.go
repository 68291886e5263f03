package foscam

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"syscall"
)

// ContextMiddleware makes the request context also end when ctx does.
// It can be used to set a cancellable context only for streaming endpoints since the HTTP Server will not cancel
// in-flight requests on shutdown.
func ContextMiddleware(ctx context.Context, next http.HandlerFunc) http.HandlerFunc {
	if ctx == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		reqCtx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		next.ServeHTTP(w, r.WithContext(reqCtx))
	}
}

// HTTPHandler is an HTTP route handler that responds with the camera's MJPEG video stream, re-encoded as
// multipart/x-mixed-replace so browsers can show it in an <img> tag.
func (r *Relay) HTTPHandler(w http.ResponseWriter, req *http.Request) {
	viewer, err := r.Start()
	if err != nil {
		r.log.Errorw("Failed to start camera", "error", err)
		http.Error(w, "camera unavailable", http.StatusBadGateway)
		return
	}
	defer viewer.Close()

	mimeWriter := multipart.NewWriter(w)
	defer mimeWriter.Close()
	contentType := fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary())
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	limiter := r.limiter()
	ctx := req.Context()

	for {
		img, err := viewer.GetFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Infow("Video stream to viewer ended", "viewer", viewer.ID(), "error", err)
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			continue
		}

		partHeader := make(textproto.MIMEHeader, 2)
		partHeader.Add("Content-Type", "image/jpeg")
		partHeader.Add("Content-Length", strconv.Itoa(len(img)))

		partWriter, err := mimeWriter.CreatePart(partHeader)
		if err != nil {
			r.log.Warnw("Failed to create multi-part section", "error", err)
			return
		}

		if _, err := partWriter.Write(img); err != nil {
			if clientGone(err) {
				return
			}
			r.log.Warnw("Failed to write video frame", "viewer", viewer.ID(), "error", err)
			return
		}

		if flusher != nil {
			flusher.Flush()
		}
	}
}

func clientGone(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	switch err.Error() {
	case "http2: stream closed", "client disconnected":
		return true
	}
	return false
}
