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

// RotateConfig configures a RotatingFile.
type RotateConfig struct {
	// Path is the active log file.
	Path string
	// MaxSizeMB rotates the file once it would grow past this size. Zero
	// disables rotation.
	MaxSizeMB int64
	// MaxBackups is the number of rotated files kept. Zero keeps all.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// RotatingFile is an append-only log file that rotates by size.
type RotatingFile struct {
	mu   sync.Mutex
	cfg  RotateConfig
	file *os.File
	size int64
	now  func() time.Time
}

// OpenRotatingFile opens or creates cfg.Path, creating its directory.
func OpenRotatingFile(cfg RotateConfig) (*RotatingFile, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	rf := &RotatingFile{cfg: cfg, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write implements io.Writer. A single write is never split across files.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if max := rf.cfg.MaxSizeMB * 1024 * 1024; max > 0 && rf.size > 0 && rf.size+int64(len(p)) > max {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Rotate moves the active file aside and starts a new one.
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.rotate()
}

// Sync flushes the active file.
func (rf *RotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	return rf.file.Sync()
}

// Close closes the active file. Further writes fail.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		rf.file = nil
	}

	backup := rf.backupName(rf.now().UTC())
	if err := os.Rename(rf.cfg.Path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	// rotation still succeeds when housekeeping fails
	if rf.cfg.Compress {
		if err := compress(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log file %s: %v\n", backup, err)
		}
	}
	if err := rf.prune(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prune log backups: %v\n", err)
	}

	return rf.open()
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(rf.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

// backupName is <stem>-<timestamp><ext> next to the active file. Names
// sort chronologically.
func (rf *RotatingFile) backupName(t time.Time) string {
	stem, ext := rf.split()
	name := fmt.Sprintf("%s-%s%s", stem, t.Format("2006-01-02T15-04-05.000"), ext)
	return filepath.Join(filepath.Dir(rf.cfg.Path), name)
}

func (rf *RotatingFile) split() (stem, ext string) {
	base := filepath.Base(rf.cfg.Path)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// Backups lists rotated files oldest first.
func (rf *RotatingFile) Backups() ([]string, error) {
	dir := filepath.Dir(rf.cfg.Path)
	stem, ext := rf.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == filepath.Base(rf.cfg.Path) || !strings.HasPrefix(name, stem+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (rf *RotatingFile) prune() error {
	if rf.cfg.MaxBackups <= 0 {
		return nil
	}
	backups, err := rf.Backups()
	if err != nil {
		return err
	}
	for len(backups) > rf.cfg.MaxBackups {
		if err := os.Remove(backups[0]); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

func compress(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
