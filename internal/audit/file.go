package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	xerrors "OpenMCP-Paygate/internal/errors"
)

const maxLineBytes = 1 << 20

// logFile is the part of *os.File the sink writes through.
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

// FileSink writes entries as JSON Lines to an append-only file. Each Record
// is a single write followed by fsync. A write that fails is cut back off the
// file; if that is impossible the sink refuses all further writes.
type FileSink struct {
	mu     sync.Mutex
	path   string
	file   logFile
	opts   options
	chain  chain
	broken error
}

// OpenFileSink opens (or creates) the log at path and restores the chain head
// from the last line.
func OpenFileSink(path string, opts ...Option) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	if err := terminateTornLine(file); err != nil {
		file.Close()
		return nil, err
	}

	sink := &FileSink{path: path, file: file, opts: applyOptions(opts), chain: newChain()}
	err = sink.scan(func(e Entry) error {
		sink.chain.advance(e)
		return nil
	})
	if err != nil {
		file.Close()
		return nil, err
	}
	return sink, nil
}

// Path returns the log location.
func (s *FileSink) Path() string { return s.path }

// Record appends the entry and syncs it to disk.
func (s *FileSink) Record(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return Entry{}, fmt.Errorf("audit log %s is closed", s.path)
	}
	if s.broken != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, s.broken, fmt.Sprintf("audit log %s is unusable", s.path))
	}
	if err := s.chain.seal(&entry, s.opts.now(), s.opts.newID); err != nil {
		return Entry{}, err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	info, err := s.file.Stat()
	if err != nil {
		return Entry{}, fmt.Errorf("stat audit log: %w", err)
	}
	if err := s.append(line); err != nil {
		s.rollback(info.Size())
		return Entry{}, err
	}
	s.chain.advance(entry)
	return entry, nil
}

func (s *FileSink) append(line []byte) error {
	n, err := s.file.Write(line)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "append audit entry")
	}
	if err := s.file.Sync(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "sync audit log")
	}
	return nil
}

// rollback removes whatever a failed append left behind so the next entry
// starts on a clean line and the chain head still matches the file.
func (s *FileSink) rollback(size int64) {
	if err := s.file.Truncate(size); err != nil {
		s.broken = fmt.Errorf("truncate after failed append: %w", err)
		return
	}
	if err := s.file.Sync(); err != nil {
		s.broken = fmt.Errorf("sync after truncate: %w", err)
	}
}

// ByAttempt scans the log for one attempt.
func (s *FileSink) ByAttempt(_ context.Context, attemptID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	err := s.scan(func(e Entry) error {
		if e.AttemptID == attemptID {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Incomplete lists attempts without a completion entry.
func (s *FileSink) Incomplete(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Entry
	if err := s.scan(func(e Entry) error {
		all = append(all, e)
		return nil
	}); err != nil {
		return nil, err
	}
	return incompleteAttempts(all), nil
}

// ReadAll returns every entry in file order.
func (s *FileSink) ReadAll() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Entry
	err := s.scan(func(e Entry) error {
		all = append(all, e)
		return nil
	})
	return all, err
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// terminateTornLine closes off a partial last line left by a crash so the
// next entry starts on its own line.
func terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat audit log: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read audit log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// scan reads the file from the start through a separate handle so the
// append offset is untouched. A torn final line is ignored.
func (s *FileSink) scan(fn func(Entry) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > maxLineBytes {
			return fmt.Errorf("audit log line %d exceeds %d bytes", lineNo+1, maxLineBytes)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audit log: %w", err)
		}
		lineNo++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// fragment of a write that never returned
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
