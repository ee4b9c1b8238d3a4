package mcpx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
)

// StdIO implements a transport over an io.Reader/io.Writer pair, typically the
// pipes of a process that already holds the gateway connection (e.g. websocat).
// Frames are newline-delimited envelopes. The pair carries a single session: the
// endpoint passed to Open is not used and a second Open fails.
//
// Proper initialization requires using the NewStdIO constructor function.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	mu     sync.Mutex
	opened bool
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOConn struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	closeOnce     sync.Once

	mu  sync.Mutex
	err error
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOLine struct {
	line []byte
	err  error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// Open implements Transport by starting the single session of the pair.
func (s *StdIO) Open(_ context.Context, _ Endpoint) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil, errors.New("stdio session already used")
	}
	s.opened = true

	c := &stdIOConn{
		reader:        s.reader,
		writer:        s.writer,
		logger:        s.logger,
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
	}
	go c.processWriteMessages()
	return c, nil
}

func (c *stdIOConn) Send(ctx context.Context, frame []byte) error {
	// Append newline to maintain message framing protocol.
	msgBs := make([]byte, 0, len(frame)+1)
	msgBs = append(msgBs, frame...)
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so that frames are never interleaved on the writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("connection is closed")
	case c.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("connection is closed")
	}
}

func (c *stdIOConn) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		lines := make(chan stdIOLine)

		// The blocking reads run on their own goroutine so that Close can end the
		// iteration on a reader that never returns.
		go func() {
			// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
			reader := bufio.NewReader(c.reader)
			for {
				line, err := reader.ReadBytes('\n')
				if len(line) > 0 && err == io.EOF {
					err = nil
				}
				select {
				case lines <- stdIOLine{line: line, err: err}:
				case <-c.done:
					return
				}
				if err != nil {
					return
				}
			}
		}()

		for {
			var l stdIOLine
			select {
			case <-c.done:
				return
			case l = <-lines:
			}

			if l.err != nil {
				if errors.Is(l.err, io.EOF) {
					c.setErr(errors.New("input closed"))
					return
				}
				c.logger.Error("failed to read message", "err", l.err)
				c.setErr(l.err)
				return
			}

			line := bytes.TrimSpace(l.line)
			if len(line) == 0 {
				continue
			}

			// We stop iteration if yield returns false.
			if !yield(line) {
				return
			}
		}
	}
}

func (c *stdIOConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *stdIOConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *stdIOConn) setErr(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *stdIOConn) processWriteMessages() {
	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-c.done:
			return
		case msg = <-c.writeMessages:
		}

		_, err := c.writer.Write(msg.msg)

		msg.errs <- err
	}
}
