package jsonrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxStderrBufferSize caps how much child stderr is retained for error
// reporting. Lines keep streaming to the logger past the cap; only the
// buffer stops growing.
const maxStderrBufferSize = 1 * 1024 * 1024

// ProcessTransport runs a peer as a child process and frames messages
// over its stdin/stdout with Content-Length headers. Stderr lines are
// forwarded to the logger and buffered for error reporting.
type ProcessTransport struct {
	log  *slog.Logger
	path string
	args []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	reader MessageReader
	writer MessageWriter

	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	group     *errgroup.Group
	closeOnce sync.Once
	waitErr   error
}

// NewProcessTransport prepares a transport that will run the given
// command. Call Start to spawn the process.
func NewProcessTransport(log *slog.Logger, path string, args ...string) *ProcessTransport {
	if log == nil {
		log = NopLogger()
	}

	return &ProcessTransport{
		log:  log.With("component", "process_transport", "path", path),
		path: path,
		args: args,
	}
}

// Start spawns the child process and wires up its pipes.
func (t *ProcessTransport) Start(ctx context.Context) error {
	t.log.Debug("starting server process")

	cmd := exec.CommandContext(ctx, t.path, t.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.path, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr
	t.reader = NewStreamMessageReader(stdout)
	t.writer = NewStreamMessageWriter(stdin)

	t.group = &errgroup.Group{}
	t.group.Go(t.pumpStderr)

	t.log.Debug("server process started", "pid", cmd.Process.Pid)

	return nil
}

// Reader returns the message reader over the child's stdout.
func (t *ProcessTransport) Reader() MessageReader { return t.reader }

// Writer returns the message writer over the child's stdin.
func (t *ProcessTransport) Writer() MessageWriter { return t.writer }

// pumpStderr streams child stderr lines to the logger and keeps a capped
// copy for ProcessError reporting.
func (t *ProcessTransport) pumpStderr() error {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		t.stderrMu.Lock()
		if t.stderrBuf.Len() < maxStderrBufferSize {
			if t.stderrBuf.Len() > 0 {
				t.stderrBuf.WriteString("\n")
			}

			t.stderrBuf.WriteString(line)
		}
		t.stderrMu.Unlock()

		t.log.Warn("server stderr", "line", line)
	}

	return nil
}

// Close shuts down the child: it closes stdin so a well-behaved server
// exits, then waits for the process. A non-zero exit is reported as a
// *ProcessError carrying the captured stderr. Close is idempotent; later
// calls return the first result.
func (t *ProcessTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cmd == nil {
			return
		}

		if err := t.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.log.Debug("stdin close failed", "error", err)
		}

		// Stderr must be fully drained before Wait releases the pipes.
		_ = t.group.Wait()

		if err := t.cmd.Wait(); err != nil {
			exitCode := -1

			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}

			t.stderrMu.Lock()
			stderrOutput := t.stderrBuf.String()
			t.stderrMu.Unlock()

			t.waitErr = &ProcessError{ExitCode: exitCode, Stderr: stderrOutput, Err: err}

			t.log.Debug("server process exited with error", "exit_code", exitCode)

			return
		}

		t.log.Debug("server process exited")
	})

	return t.waitErr
}

// Dial starts cmd as a child process and returns a connection speaking to
// it, already listening. Disposing the connection closes the child's
// stdin and reaps the process.
func Dial(ctx context.Context, path string, args []string, opts ...Option) (*Connection, *ProcessTransport, error) {
	options := applyOptions(opts)

	transport := NewProcessTransport(options.logger, path, args...)
	if err := transport.Start(ctx); err != nil {
		return nil, nil, err
	}

	conn := NewConnection(transport.Reader(), transport.Writer(), opts...)
	conn.OnDispose(func() {
		if err := transport.Close(); err != nil {
			options.logger.Debug("process close after dispose", "error", err)
		}
	})

	if err := conn.Listen(); err != nil {
		_ = transport.Close()

		return nil, nil, err
	}

	return conn, transport, nil
}
