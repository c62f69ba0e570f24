package accesslog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// maxLineSize bounds a single log line; longer lines are skipped.
const maxLineSize = 1024 * 1024

// Tailer reads lines appended to a log file since the previous call. It
// follows rotation by file identity and restarts on truncation.
type Tailer struct {
	path   string
	offset int64
	info   os.FileInfo
	full   bool
}

// NewTailer creates a Tailer that resumes from the last read position.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// NewFullReader creates a reader that returns the whole file every call.
// Replayed lines are absorbed by ingestion, so this is always safe, only
// slower as the log grows.
func NewFullReader(path string) *Tailer {
	return &Tailer{path: path, full: true}
}

// Path returns the file being read.
func (t *Tailer) Path() string {
	return t.path
}

// Offset returns the byte position the next read starts from.
func (t *Tailer) Offset() int64 {
	return t.offset
}

// ReadLines calls fn for every complete line available and returns the
// number of lines read. An unterminated final line is held back until a
// later call sees its newline.
func (t *Tailer) ReadLines(fn func(line string)) (int, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat log file: %w", err)
	}

	start := t.offset
	switch {
	case t.full:
		start = 0
	case t.info != nil && !os.SameFile(t.info, info):
		// Rotated: the path now names a new file.
		start = 0
	case info.Size() < start:
		// Truncated in place (copytruncate).
		start = 0
	}
	t.info = info

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return 0, fmt.Errorf("failed to seek log file: %w", err)
		}
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	consumed := start
	count := 0
	var pending []byte
	oversized := false

	for {
		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
		}

		if err == bufio.ErrBufferFull {
			if len(pending) > maxLineSize {
				// Drop the oversized line but keep consuming it.
				consumed += int64(len(pending))
				pending = pending[:0]
				oversized = true
			}
			continue
		}

		if err == nil {
			consumed += int64(len(pending))
			line := bytes.TrimRight(pending, "\r\n")
			if len(line) > 0 && !oversized {
				fn(string(line))
				count++
			}
			pending = pending[:0]
			oversized = false
			continue
		}

		if err == io.EOF {
			break
		}
		t.offset = consumed
		return count, fmt.Errorf("failed to read log file: %w", err)
	}

	if t.full && len(pending) > 0 && !oversized {
		// Nothing is remembered between full reads, so a partial final
		// line is delivered as-is.
		fn(string(bytes.TrimRight(pending, "\r\n")))
		count++
	}

	t.offset = consumed
	return count, nil
}
