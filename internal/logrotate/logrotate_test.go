package logrotate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	w, err := New(logPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	if w.Path() != logPath {
		t.Errorf("Path() = %q, want %q", w.Path(), logPath)
	}
}

func TestNewWithOptions(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	w, err := New(logPath, WithMaxSize(1024*1024), WithMaxFiles(3), WithCompression(true))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	if w.Path() != logPath {
		t.Errorf("Path() = %q, want %q", w.Path(), logPath)
	}
}

func TestWrite(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	w, err := New(logPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	data := "hello, world\n"
	n, err := w.Write([]byte(data))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("Write returned %d bytes, want %d", n, len(data))
	}
	if w.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", w.Size(), len(data))
	}
}

func TestRotateOnSize(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	w, err := New(logPath, WithMaxSize(50), WithMaxFiles(3))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	line := []byte("0123456789\n")
	for i := 0; i < 10; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Errorf("expected rotated file %s.1 to exist: %v", logPath, err)
	}
}

func TestRotateOnAge(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	w, err := New(logPath, WithMaxAge(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Errorf("expected rotated file %s.1 after age threshold: %v", logPath, err)
	}
}

func TestExplicitRotate(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	w, err := New(logPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	if _, err := w.Write([]byte("before rotation\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Errorf("expected rotated file: %v", err)
	}
	if w.Size() != 0 {
		t.Errorf("Size() after rotate = %d, want 0", w.Size())
	}
}

func TestMaxFilesRetention(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	w, err := New(logPath, WithMaxFiles(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := w.Rotate(); err != nil {
			t.Fatalf("Rotate failed: %v", err)
		}
	}

	files, err := ListRotatedFiles(logPath)
	if err != nil {
		t.Fatalf("ListRotatedFiles failed: %v", err)
	}
	if len(files) > 2 {
		t.Errorf("ListRotatedFiles() returned %d files, want at most 2", len(files))
	}
}
