package runner

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode/utf8"
)

// truncationMarker prefixes a returned tail when captured output was
// larger than the tail itself.
const truncationMarker = "[output truncated]\n"

// sink captures combined stdout+stderr in a temp file so a chatty child
// cannot exhaust memory. Bytes past the ceiling are counted but not
// persisted; Overflowed flips once the total crosses the ceiling.
type sink struct {
	mu      sync.Mutex
	file    *os.File
	written int64 // bytes persisted to the file
	total   int64 // bytes the child produced, including discarded ones
	ceiling int64
}

func newSink(ceiling int64) (*sink, error) {
	f, err := os.CreateTemp("", "lbforge-output-*")
	if err != nil {
		return nil, fmt.Errorf("creating output spill file: %w", err)
	}
	return &sink{file: f, ceiling: ceiling}, nil
}

// Write implements io.Writer for the supervised command. Never returns an
// error for overflow: the supervisor kills the child instead, and an
// error here would just race the kill with a broken-pipe failure.
func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total += int64(len(p))

	room := s.ceiling - s.written
	if room <= 0 {
		return len(p), nil
	}
	chunk := p
	if int64(len(chunk)) > room {
		chunk = chunk[:room]
	}
	n, err := s.file.Write(chunk)
	s.written += int64(n)
	if err != nil {
		return len(p), err
	}
	return len(p), nil
}

// Overflowed reports whether the child produced more than the ceiling.
func (s *sink) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total > s.ceiling
}

// Size returns the number of bytes the child has produced so far.
func (s *sink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Tail returns up to n trailing bytes of the persisted output, decoded
// leniently: a multi-byte sequence cut by the tail boundary is replaced
// rather than surfaced as garbage. truncated reports whether anything
// was captured beyond the returned tail.
func (s *sink) Tail(n int) (tail string, truncated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := int64(0)
	if s.written > int64(n) {
		offset = s.written - int64(n)
	}
	buf := make([]byte, s.written-offset)
	if len(buf) > 0 {
		if _, err := s.file.ReadAt(buf, offset); err != nil {
			return "", s.total > s.written
		}
	}

	out := string(buf)
	if !utf8.ValidString(out) {
		out = strings.ToValidUTF8(out, "�")
	}
	truncated = s.total > int64(len(buf))
	if truncated {
		out = truncationMarker + out
	}
	return out, truncated
}

// ReadFrom returns up to max persisted bytes starting at offset, for live
// streaming. next is the offset to resume from.
func (s *sink) ReadFrom(offset int64, max int) (chunk []byte, next int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset >= s.written {
		return nil, offset
	}
	size := s.written - offset
	if size > int64(max) {
		size = int64(max)
	}
	buf := make([]byte, size)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, offset
	}
	return buf[:n], offset + int64(n)
}

// Close removes the spill file.
func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}
