package tour

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

var errCaptureStarted = errors.New("tour: capture already started")

// LineCapture treats every non-blank line of a reader as one decoded frame.
// It stands in for a camera decoder when payloads arrive on stdin or a pipe.
type LineCapture struct {
	reader io.Reader

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	once    sync.Once
}

// NewLineCapture wraps reader.
func NewLineCapture(reader io.Reader) *LineCapture {
	return &LineCapture{reader: reader, stop: make(chan struct{})}
}

// Start begins reading. Frames stop at end of input, on Stop, or when ctx ends.
func (c *LineCapture) Start(ctx context.Context) (<-chan string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, errCaptureStarted
	}
	c.started = true

	frames := make(chan string)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(c.reader)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case frames <- line:
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

// Stop releases the capture. It is safe to call more than once.
func (c *LineCapture) Stop() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}
