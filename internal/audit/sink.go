package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrSinkClosed is returned by a sink after Close.
	ErrSinkClosed = errors.New("audit: sink closed")
	// ErrReadOnly is returned by Append on a sink opened for reading.
	ErrReadOnly = errors.New("audit: sink is read-only")
)

// Sink is the append-only byte stream the ledger writes to. Append must
// write the whole line in one operation or fail; ReadAll returns everything
// written so far.
type Sink interface {
	Append(line []byte) error
	ReadAll() ([]byte, error)
	Close() error
}

// FileSink appends lines to a JSONL file opened with O_APPEND.
type FileSink struct {
	path     string
	readOnly bool
	mu       sync.Mutex
	f        *os.File
}

// OpenFileSink creates or opens the ledger at path; missing directories are
// created.
func OpenFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileSink{path: path, f: f}, nil
}

// OpenFileSinkReadOnly opens an existing ledger for Query and
// VerifyIntegrity. It never creates the file or its directory, so a wrong
// path fails instead of reading as an empty ledger.
func OpenFileSinkReadOnly(path string) (*FileSink, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if fi, err := f.Stat(); err != nil || !fi.Mode().IsRegular() {
		f.Close() //nolint:errcheck // already failing
		if err == nil {
			err = fmt.Errorf("%s is not a regular file", path)
		}
		return nil, err
	}
	return &FileSink{path: path, readOnly: true, f: f}, nil
}

// Path returns the ledger file path.
func (s *FileSink) Path() string { return s.path }

// Append writes line with a single Write call.
func (s *FileSink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrSinkClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	n, err := s.f.Write(line)
	if err == nil && n != len(line) {
		err = io.ErrShortWrite
	}
	return err
}

// ReadAll returns the file contents. A ledger that does not exist yet is
// empty.
func (s *FileSink) ReadAll() ([]byte, error) {
	s.mu.Lock()
	if s.f != nil && !s.readOnly {
		_ = s.f.Sync()
	}
	s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// MemorySink keeps lines in memory. SetErr makes subsequent appends fail,
// which simulates an unavailable ledger.
type MemorySink struct {
	mu   sync.Mutex
	data []byte
	err  error
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// SetErr sets the error returned by Append; nil restores normal operation.
func (s *MemorySink) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MemorySink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data = append(s.data, line...)
	return nil
}

func (s *MemorySink) ReadAll() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...), nil
}

// Replace overwrites the stored bytes; tests use it to tamper with lines.
func (s *MemorySink) Replace(data []byte) {
	s.mu.Lock()
	s.data = append([]byte(nil), data...)
	s.mu.Unlock()
}

func (s *MemorySink) Close() error { return nil }
