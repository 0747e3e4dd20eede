package logging

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

// FileRotator is an io.Writer over a log file that rotates by size and by
// calendar day, gzips rotated files and prunes them by count and age.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxAge     time.Duration
	maxBackups int
	compress   bool

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
	now    func() time.Time
	// bg tracks compression and cleanup started by rotate.
	bg sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize * 1024 * 1024,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if r.path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	r.opened = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(next int64) bool {
	if r.maxBytes > 0 && r.size > 0 && r.size+next > r.maxBytes {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := r.now().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (r *FileRotator) stem() (dir, name, ext string) {
	base := filepath.Base(r.path)
	ext = filepath.Ext(base)
	return filepath.Dir(r.path), strings.TrimSuffix(base, ext), ext
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	dir, name, ext := r.stem()
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, r.now().Format("20060102-150405.000"), ext))
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if r.compress {
			gzipFile(rotated)
		}
		r.prune()
	}()
	return nil
}

func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

func (r *FileRotator) rotated() []string {
	dir, name, ext := r.stem()
	matches, _ := filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))
	return matches
}

// prune removes rotated files beyond MaxBackups or older than MaxAge.
func (r *FileRotator) prune() {
	type entry struct {
		path string
		mod  time.Time
	}
	var files []entry
	for _, m := range r.rotated() {
		if info, err := os.Stat(m); err == nil {
			files = append(files, entry{m, info.ModTime()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	cutoff := r.now().Add(-r.maxAge)
	for i, f := range files {
		if (r.maxBackups > 0 && i >= r.maxBackups) || (r.maxAge > 0 && f.mod.Before(cutoff)) {
			os.Remove(f.path)
		}
	}
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	r.mu.Unlock()
	r.bg.Wait()
	return err
}

// Sync flushes the file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// GetLogFiles returns the current file followed by rotated files.
func (r *FileRotator) GetLogFiles() ([]string, error) {
	return append([]string{r.path}, r.rotated()...), nil
}
