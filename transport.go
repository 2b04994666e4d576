package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// MessageReader produces decoded messages from some underlying stream.
//
// Read blocks until a message is available, the stream ends, or ctx is
// cancelled. A clean end of stream is reported as io.EOF. A message that
// arrived but could not be decoded is reported as a *ProtocolError; the
// reader remains usable afterwards. Any other error is a transport failure
// and the reader must not be used again.
//
// A MessageReader is not safe for concurrent use; the connection reads
// from it on a single goroutine.
type MessageReader interface {
	Read(ctx context.Context) (*Message, error)
	Close() error
}

// MessageWriter serializes messages onto some underlying stream.
//
// A MessageWriter is not safe for concurrent use; the connection
// serializes writes.
type MessageWriter interface {
	Write(ctx context.Context, msg *Message) error
	Close() error
}

const (
	headerContentLength = "Content-Length"
	headerSeparator     = "\r\n"
	// maxContentLength caps a single framed message at 32MB to keep a
	// corrupt header from forcing a giant allocation.
	maxContentLength = 32 * 1024 * 1024
)

// streamMessageReader reads base-protocol framed messages: a block of
// "Name: value" headers terminated by an empty line, followed by exactly
// Content-Length bytes of JSON payload.
type streamMessageReader struct {
	reader *bufio.Reader
	closer io.Closer
}

// NewStreamMessageReader returns a MessageReader over r using
// Content-Length header framing. If r is an io.Closer, Close closes it,
// which also unblocks a pending Read.
func NewStreamMessageReader(r io.Reader) MessageReader {
	sr := &streamMessageReader{reader: bufio.NewReader(r)}
	if c, ok := r.(io.Closer); ok {
		sr.closer = c
	}

	return sr
}

func (r *streamMessageReader) Read(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	length, err := r.readHeaders()
	if err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.reader, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read message body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		// The body was fully consumed, so the stream is still in sync.
		return nil, &ProtocolError{Err: fmt.Errorf("decode message: %w", err)}
	}

	return &msg, nil
}

// readHeaders consumes the header block and returns the content length.
// Header-level corruption is fatal: without a trustworthy Content-Length
// there is no way to resynchronize the stream.
func (r *streamMessageReader) readHeaders() (int, error) {
	length := -1

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				return 0, io.EOF
			}

			return 0, fmt.Errorf("read header: %w", err)
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if length < 0 {
				return 0, fmt.Errorf("missing %s header", headerContentLength)
			}

			return length, nil
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			return 0, fmt.Errorf("malformed header line %q", line)
		}

		if strings.EqualFold(strings.TrimSpace(name), headerContentLength) {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > maxContentLength {
				return 0, fmt.Errorf("invalid %s value %q", headerContentLength, strings.TrimSpace(value))
			}

			length = n
		}
		// Other headers (Content-Type) are tolerated and ignored.
	}
}

func (r *streamMessageReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}

	return nil
}

// streamMessageWriter writes base-protocol framed messages.
type streamMessageWriter struct {
	writer io.Writer
	closer io.Closer
}

// NewStreamMessageWriter returns a MessageWriter over w using
// Content-Length header framing. If w is an io.Closer, Close closes it.
func NewStreamMessageWriter(w io.Writer) MessageWriter {
	sw := &streamMessageWriter{writer: w}
	if c, ok := w.(io.Closer); ok {
		sw.closer = c
	}

	return sw
}

func (w *streamMessageWriter) Write(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	header := headerContentLength + ": " + strconv.Itoa(len(body)) + headerSeparator + headerSeparator
	if _, err := io.WriteString(w.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err := w.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

func (w *streamMessageWriter) Close() error {
	if w.closer != nil {
		return w.closer.Close()
	}

	return nil
}

// pipeBufferSize bounds how many undelivered messages one pipe direction
// holds before Write blocks.
const pipeBufferSize = 64

var errPipeClosed = errors.New("pipe closed")

// PipeEnd is one side of an in-process message pipe. It implements both
// MessageReader and MessageWriter: messages written to one end are read
// from the other. Close shuts down this end's writer side; the peer then
// observes io.EOF once the buffered messages are drained.
type PipeEnd struct {
	in  <-chan *Message
	out chan<- *Message

	mu     sync.Mutex
	closed bool
}

// NewPipe returns two connected pipe ends, typically one per peer of an
// in-process connection pair.
func NewPipe() (*PipeEnd, *PipeEnd) {
	aToB := make(chan *Message, pipeBufferSize)
	bToA := make(chan *Message, pipeBufferSize)

	return &PipeEnd{in: bToA, out: aToB}, &PipeEnd{in: aToB, out: bToA}
}

// Read implements MessageReader.
func (p *PipeEnd) Read(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}

		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements MessageWriter. The mutex covers the closed check and
// the send so Write never races with Close on a closed channel.
func (p *PipeEnd) Write(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPipeClosed
	}

	p.out <- msg

	return nil
}

// Close shuts down the writer side of this end. Idempotent.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.out)
	}

	return nil
}

// Compile-time interface checks.
var (
	_ MessageReader = (*streamMessageReader)(nil)
	_ MessageWriter = (*streamMessageWriter)(nil)
	_ MessageReader = (*PipeEnd)(nil)
	_ MessageWriter = (*PipeEnd)(nil)
)
