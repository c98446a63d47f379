package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// MaxLineBytes bounds one inbound envelope on the stream listener.
const MaxLineBytes = 4 << 20

// StreamServer reads newline-delimited envelopes and writes one reply line
// per request. Each line is handled on its own goroutine so a slow tool
// never blocks reading; writes are serialized.
type StreamServer struct {
	dispatcher  *Dispatcher
	credentials string
	logger      *slog.Logger
}

// NewStreamServer creates a stream listener. Every call on the stream is
// made with credentials.
func NewStreamServer(d *Dispatcher, credentials string, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamServer{dispatcher: d, credentials: credentials, logger: logger}
}

// Serve runs until r is exhausted or ctx is cancelled, then waits for
// in-flight calls to finish writing.
func (s *StreamServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var (
		wg  sync.WaitGroup
		wmu sync.Mutex
	)
	write := func(resp *Response) {
		b, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to encode response", slog.String("error", err.Error()))
			return
		}
		wmu.Lock()
		defer wmu.Unlock()
		if _, err := w.Write(append(b, '\n')); err != nil {
			s.logger.Warn("failed to write response", slog.String("error", err.Error()))
		}
	}

	lines, readErr := s.readLines(ctx, r)
	for {
		var (
			msg []byte
			ok  bool
		)
		select {
		case <-ctx.Done():
		case msg, ok = <-lines:
		}
		if !ok {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := s.dispatcher.HandleMessage(ctx, s.credentials, msg); resp != nil {
				write(resp)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := <-readErr; err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// readLines scans r on its own goroutine so that Serve can return on
// cancellation while a read is blocked. A read still pending at that point
// ends when r is closed or yields its next line.
func (s *StreamServer) readLines(ctx context.Context, r io.Reader) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}
