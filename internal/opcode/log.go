package opcode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("opcode: log closed")

// Log is an append-only opcode file.
//
// Replay must be called once before the first Append so the write offset
// sits after the last complete frame.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	logger   *slog.Logger
	replayed bool
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithLogger sets the logger used to report recovered torn writes.
func WithLogger(logger *slog.Logger) LogOption {
	return func(l *Log) {
		l.logger = logger
	}
}

// Open opens or creates the log at path.
func Open(path string, opts ...LogOption) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open opcode log: %w", err)
	}
	l := &Log{file: f, path: path}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	return l, nil
}

// Path returns the file path of the log.
func (l *Log) Path() string { return l.path }

// Replay decodes every frame from the start of the log and passes it to fn
// in order. Legacy frames are upgraded before fn sees them.
//
// A truncated final frame is the signature of a crash mid-append; it is cut
// off and replay succeeds. Any other decoding failure is returned.
func (l *Log) Replay(fn func(Op) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek opcode log: %w", err)
	}

	r := &countingReader{r: bufio.NewReader(l.file)}
	var good int64
	frames := 0
	for {
		buf, err := ReadFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			l.logger.Warn("truncating torn opcode frame", "path", l.path, "offset", good, "frames", frames)
			if err := l.file.Truncate(good); err != nil {
				return fmt.Errorf("truncate opcode log: %w", err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("frame %d at offset %d: %w", frames, good, err)
		}
		op, err := Unmarshal(buf)
		if err != nil {
			return fmt.Errorf("frame %d at offset %d: %w", frames, good, err)
		}
		if err := fn(op); err != nil {
			return fmt.Errorf("apply frame %d (%s): %w", frames, op.Kind, err)
		}
		good = r.n
		frames++
	}

	if _, err := l.file.Seek(good, io.SeekStart); err != nil {
		return fmt.Errorf("seek opcode log: %w", err)
	}
	l.replayed = true
	l.logger.Debug("replayed opcode log", "path", l.path, "frames", frames)
	return nil
}

// Append writes ops as consecutive frames and syncs the file. The frames
// are written with a single write call.
func (l *Log) Append(ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, op := range ops {
		if err := WriteFrame(&buf, Marshal(op)); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}
	if !l.replayed {
		if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("seek opcode log: %w", err)
		}
		l.replayed = true
	}
	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append opcode log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync opcode log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
