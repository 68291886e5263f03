package foscam

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
)

var (
	ErrStopped         = errors.New("stream stopped")
	ErrMalformedHeader = errors.New("malformed multipart header")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
)

const (
	// Use 4k resolution at 24 bits per pixel as the max
	DefaultMaxFrameSize = 3840 * 2160 * 3

	maxLineLength = 4096
)

// Reader parses the camera's multipart video stream into JPEG frames.
//
// Each frame on the wire is a boundary line, a Content-Type line, a Content-Length line, a blank line, the JPEG body
// and a trailing line. Only the length is interpreted.
//
// A Reader is not safe for concurrent use except for Stop, which may be called from any goroutine.
// It cannot be restarted: once Next has returned an error it keeps returning that error.
type Reader struct {
	br           *bufio.Reader
	err          error
	maxFrameSize int
	stopped      atomic.Bool
}

type ReaderOption func(*Reader)

// WithMaxFrameSize limits the Content-Length the Reader accepts.
func WithMaxFrameSize(n int) ReaderOption {
	return func(r *Reader) {
		r.maxFrameSize = n
	}
}

func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	rd := &Reader{
		br:           bufio.NewReaderSize(r, 32*1024),
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Stop asks the Reader to end the sequence. It is observed at the start of the next call to Next; a read already in
// progress is not interrupted.
func (r *Reader) Stop() {
	r.stopped.Store(true)
}

func (r *Reader) Stopped() bool {
	return r.stopped.Load()
}

// Next returns the next frame body, blocking on the underlying reader as needed.
// It returns io.EOF when the stream ends cleanly between frames and ErrStopped after Stop.
func (r *Reader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.stopped.Load() {
		r.err = ErrStopped
		return nil, r.err
	}

	frame, err := r.next()
	if err != nil {
		r.err = err
		return nil, err
	}
	return frame, nil
}

func (r *Reader) next() ([]byte, error) {
	// Boundary marker
	if _, err := r.readLine(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read boundary: %w", err)
	}

	// Content-Type
	if _, err := r.readLine(); err != nil {
		return nil, fmt.Errorf("failed to read content type: %w", unexpected(err))
	}

	line, err := r.readLine()
	if err != nil {
		return nil, fmt.Errorf("failed to read content length: %w", unexpected(err))
	}
	n, err := r.parseLength(line)
	if err != nil {
		return nil, err
	}

	// Separator before the body
	if _, err := r.readLine(); err != nil {
		return nil, fmt.Errorf("failed to read header separator: %w", unexpected(err))
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r.br, frame); err != nil {
		return nil, fmt.Errorf("failed to read %d byte frame: %w", n, unexpected(err))
	}

	// Separator after the body. The camera may close right after the last frame, which still counts as a frame.
	if _, err := r.readLine(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read frame separator: %w", err)
	}

	return frame, nil
}

func (r *Reader) parseLength(line []byte) (int, error) {
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("%w: no length in %q", ErrMalformedHeader, line)
	}
	n, err := strconv.ParseUint(string(fields[1]), 10, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: bad length in %q", ErrMalformedHeader, line)
	}
	if n > uint64(r.maxFrameSize) {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, r.maxFrameSize)
	}
	return int(n), nil
}

// readLine returns one line without its line ending.
// It returns io.EOF only if the stream ended before any byte of the line was read.
func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(line)+len(chunk) > maxLineLength {
			return nil, fmt.Errorf("%w: line longer than %d bytes", ErrMalformedHeader, maxLineLength)
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// unexpected turns a clean EOF in the middle of a frame into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
