package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	logFileMode   = 0o600
	rotatedLayout = "20060102-150405.000"
)

// RotationPolicy bounds the log history kept next to the active file.
// Zero MaxAgeDays or MaxBackups disables that limit.
type RotationPolicy struct {
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// RotatingWriter is an io.WriteCloser that starts a new file once the
// active one would exceed the size limit. Rotated files are compressed and
// pruned in the background; Close waits for that work.
type RotatingWriter struct {
	mu       sync.Mutex
	filename string
	policy   RotationPolicy
	maxBytes int64
	file     *os.File
	size     int64

	retiring sync.WaitGroup
	now      func() time.Time
}

// NewRotatingWriter opens filename for appending. Log files are owner-only.
func NewRotatingWriter(filename string, policy RotationPolicy) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		filename: filename,
		policy:   policy,
		maxBytes: int64(policy.MaxSizeMB) * 1024 * 1024,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.retiring.Add(1)
	go func() {
		defer w.retiring.Done()
		w.prune()
	}()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would overflow the active file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.retiring.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	stamp := w.filename + "." + w.now().Format(rotatedLayout)
	rotated := stamp
	for i := 1; fileExists(rotated) || fileExists(rotated+".gz"); i++ {
		rotated = fmt.Sprintf("%s-%d", stamp, i)
	}
	if err := os.Rename(w.filename, rotated); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.retiring.Add(1)
	go func() {
		defer w.retiring.Done()
		if w.policy.Compress {
			_ = compressFile(rotated)
		}
		w.prune()
	}()
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// compressFile gzips path to path.gz and removes the original.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFileMode)
	if err != nil {
		return err
	}
	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

type backup struct {
	path    string
	modTime time.Time
}

// backups lists rotated files for the active log, newest first.
func (w *RotatingWriter) backups() []backup {
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil
	}
	var out []backup
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, backup{path: path, modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].modTime.After(out[j].modTime)
	})
	return out
}

// prune removes backups past the age limit or beyond the backup count.
func (w *RotatingWriter) prune() {
	cutoff := time.Time{}
	if w.policy.MaxAgeDays > 0 {
		cutoff = w.now().AddDate(0, 0, -w.policy.MaxAgeDays)
	}

	kept := 0
	for _, b := range w.backups() {
		expired := !cutoff.IsZero() && b.modTime.Before(cutoff)
		overflow := w.policy.MaxBackups > 0 && kept >= w.policy.MaxBackups
		if expired || overflow {
			os.Remove(b.path)
			continue
		}
		// a plain file and its .gz are one backup
		if !strings.HasSuffix(b.path, ".gz") {
			if _, err := os.Stat(b.path + ".gz"); err == nil {
				continue
			}
		}
		kept++
	}
}
