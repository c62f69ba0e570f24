package accesslog

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func collect(t *testing.T, tl *Tailer) []string {
	t.Helper()

	var lines []string
	n, err := tl.ReadLines(func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}
	if n != len(lines) {
		t.Errorf("ReadLines returned %d, delivered %d", n, len(lines))
	}
	return lines
}

func TestTailer_ReadsOnlyNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "one\ntwo\n")

	tl := NewTailer(path)
	if got := collect(t, tl); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("first read = %v", got)
	}

	if got := collect(t, tl); len(got) != 0 {
		t.Errorf("second read without new data = %v, want none", got)
	}

	appendFile(t, path, "three\n")
	if got := collect(t, tl); !reflect.DeepEqual(got, []string{"three"}) {
		t.Errorf("third read = %v", got)
	}
}

func TestTailer_HoldsBackPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "complete\npart")

	tl := NewTailer(path)
	if got := collect(t, tl); !reflect.DeepEqual(got, []string{"complete"}) {
		t.Errorf("first read = %v", got)
	}

	appendFile(t, path, "ial\r\n")
	if got := collect(t, tl); !reflect.DeepEqual(got, []string{"partial"}) {
		t.Errorf("second read = %v", got)
	}
}

func TestTailer_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "old line one\nold line two\n")

	tl := NewTailer(path)
	collect(t, tl)

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, "new\n")

	if got := collect(t, tl); !reflect.DeepEqual(got, []string{"new"}) {
		t.Errorf("read after truncate = %v", got)
	}
}

func TestTailer_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	appendFile(t, path, "before rotation\n")

	tl := NewTailer(path)
	collect(t, tl)

	if err := os.Rename(path, filepath.Join(dir, "access.log.1")); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, "after rotation with a longer line\n")

	if got := collect(t, tl); !reflect.DeepEqual(got, []string{"after rotation with a longer line"}) {
		t.Errorf("read after rotation = %v", got)
	}
}

func TestFullReader_RereadsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "a\nb\n")

	fr := NewFullReader(path)
	collect(t, fr)

	appendFile(t, path, "c")
	if got := collect(t, fr); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("full re-read = %v", got)
	}
}

func TestTailer_MissingFile(t *testing.T) {
	tl := NewTailer(filepath.Join(t.TempDir(), "nope.log"))
	if _, err := tl.ReadLines(func(string) {}); err == nil {
		t.Error("Expected error for missing file")
	}
}
