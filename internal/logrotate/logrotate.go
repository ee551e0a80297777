// SPDX-License-Identifier: MIT

// Package logrotate provides the rotating writer that ManagedProcess
// attaches to a child's stdout/stderr when Options names a file sink
// instead of NULL/PIPE/STDOUT. It replaces the external "log proxy
// wrapper" process the daemon would otherwise have to spawn: rotation
// happens in-process instead of in a second subprocess per stream.
package logrotate

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxFiles is the number of rotated logs kept around a live one.
	DefaultMaxFiles = 5
)

// RotatingWriter is an io.WriteCloser that rotates its backing file once it
// exceeds maxSize bytes or maxAge has elapsed since the file was opened,
// whichever comes first. Either threshold may be disabled by setting it to
// zero.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxAge   time.Duration
	maxFiles int
	compress bool

	mu        sync.Mutex
	file      *os.File
	size      int64
	openedAt  time.Time
}

// Option configures a RotatingWriter.
type Option func(*RotatingWriter)

// WithMaxSize sets the size threshold that triggers rotation. Zero disables
// size-based rotation.
func WithMaxSize(size int64) Option { return func(w *RotatingWriter) { w.maxSize = size } }

// WithMaxAge sets the age threshold that triggers rotation. Zero disables
// time-based rotation.
func WithMaxAge(age time.Duration) Option { return func(w *RotatingWriter) { w.maxAge = age } }

// WithMaxFiles sets how many rotated files are retained alongside the live
// one.
func WithMaxFiles(count int) Option { return func(w *RotatingWriter) { w.maxFiles = count } }

// WithCompression gzips rotated files in the background.
func WithCompression(compress bool) Option { return func(w *RotatingWriter) { w.compress = compress } }

// New opens path for appending, creating its parent directory if needed.
func New(path string, opts ...Option) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     path,
		maxSize:  DefaultMaxLogSize,
		maxFiles: DefaultMaxFiles,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// DefaultMaxLogSize is used when WithMaxSize is not given.
const DefaultMaxLogSize = 100 * 1024 * 1024

// Write implements io.Writer, rotating first if this write would cross a
// configured threshold.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.needsRotation(len(p)) {
		if rerr := w.rotate(); rerr != nil {
			// Prefer writing past the threshold over losing the log line.
			_ = rerr
		}
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) needsRotation(nextWrite int) bool {
	if w.maxSize > 0 && w.size+int64(nextWrite) > w.maxSize {
		return true
	}
	if w.maxAge > 0 && time.Since(w.openedAt) > w.maxAge {
		return true
	}
	return false
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Rotate forces an immediate rotation.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("closing log file: %w", err)
		}
		w.file = nil
	}

	if err := w.shiftFiles(); err != nil {
		return err
	}

	rotated := w.rotatedPath(1)
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotating log file: %w", err)
	}

	if w.compress {
		go compressFile(rotated)
	}

	w.cleanup()
	return w.openFile()
}

func (w *RotatingWriter) openFile() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	w.openedAt = time.Now()
	return nil
}

func (w *RotatingWriter) shiftFiles() error {
	for i := w.maxFiles - 1; i >= 1; i-- {
		oldPath, newPath := w.rotatedPath(i), w.rotatedPath(i+1)
		for _, ext := range []string{"", ".gz"} {
			old, new := oldPath+ext, newPath+ext
			if _, err := os.Stat(old); err == nil {
				if err := os.Rename(old, new); err != nil {
					return fmt.Errorf("shifting log file %s -> %s: %w", old, new, err)
				}
			}
		}
	}
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

func (w *RotatingWriter) cleanup() {
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		path := w.rotatedPath(i)
		os.Remove(path)
		os.Remove(path + ".gz")
	}
}

func compressFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	gzFile, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer gzFile.Close()

	gzWriter := gzip.NewWriter(gzFile)
	if _, err := gzWriter.Write(data); err != nil {
		os.Remove(path + ".gz")
		return
	}
	if err := gzWriter.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// Size returns the current size of the live log file.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the live log file's path.
func (w *RotatingWriter) Path() string { return w.path }

// RotatedFile describes one rotated log file found by ListRotatedFiles.
type RotatedFile struct {
	Path       string
	Name       string
	Size       int64
	ModTime    time.Time
	Compressed bool
}

// ListRotatedFiles returns the rotated files for basePath, newest first.
func ListRotatedFiles(basePath string) ([]RotatedFile, error) {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []RotatedFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, RotatedFile{
			Path:       filepath.Join(dir, entry.Name()),
			Name:       entry.Name(),
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			Compressed: strings.HasSuffix(entry.Name(), ".gz"),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.After(files[j].ModTime) })
	return files, nil
}
