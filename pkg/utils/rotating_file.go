package utils

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/gzip"
)

// RotationConfig configures a RotatingFile
type RotationConfig struct {
	// Filename is the log file path inside the filesystem
	Filename string

	// MaxSize is the size in bytes that triggers a rotation (0 = never rotate)
	MaxSize int64

	// MaxBackups is the number of rotated files kept (0 = keep all)
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// RotatingFile is an io.WriteCloser that moves the log aside once it grows
// past MaxSize. Long watch-mode sessions log every idle flush, so the file
// would otherwise grow for as long as the dev server runs.
type RotatingFile struct {
	mu     sync.Mutex
	fs     billy.Filesystem
	config RotationConfig
	file   billy.File
	size   int64
	now    func() time.Time
}

// NewRotatingFile opens config.Filename on fs for appending
func NewRotatingFile(fs billy.Filesystem, config RotationConfig) (*RotatingFile, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	rf := &RotatingFile{fs: fs, config: config, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write implements io.Writer
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.config.MaxSize > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.config.MaxSize {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log: %w", err)
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the current file
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

// Rotate moves the current file aside immediately
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.rotate()
}

func (rf *RotatingFile) open() error {
	if dir := path.Dir(rf.config.Filename); dir != "." {
		if err := rf.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
	}
	file, err := rf.fs.OpenFile(rf.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := rf.fs.Stat(rf.config.Filename)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file = file
	rf.size = info.Size()
	return nil
}

func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			return err
		}
		rf.file = nil
	}

	backup := rf.backupName(rf.now().UTC())
	if err := rf.fs.Rename(rf.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if rf.config.Compress {
		if err := rf.compress(backup); err != nil {
			fmt.Fprintf(os.Stderr, "compressing log backup %s: %v\n", backup, err)
		}
	}
	if err := rf.prune(); err != nil {
		fmt.Fprintf(os.Stderr, "pruning log backups: %v\n", err)
	}
	return rf.open()
}

// backupName turns "dir/cache.log" into "dir/cache-2006-01-02T15-04-05.000.log".
func (rf *RotatingFile) backupName(ts time.Time) string {
	dir, base := path.Split(rf.config.Filename)
	ext := path.Ext(base)
	return dir + strings.TrimSuffix(base, ext) + "-" + ts.Format("2006-01-02T15-04-05.000") + ext
}

func (rf *RotatingFile) compress(name string) error {
	src, err := rf.fs.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := rf.fs.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
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
	return rf.fs.Remove(name)
}

// Backups lists rotated files oldest first. Names embed the rotation time,
// so lexical order is chronological.
func (rf *RotatingFile) Backups() ([]string, error) {
	dir, base := path.Split(rf.config.Filename)
	ext := path.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	infos, err := rf.fs.ReadDir(path.Dir(rf.config.Filename))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, info := range infos {
		name := info.Name()
		if name == base || !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			out = append(out, dir+name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (rf *RotatingFile) prune() error {
	if rf.config.MaxBackups <= 0 {
		return nil
	}
	backups, err := rf.Backups()
	if err != nil {
		return err
	}
	for len(backups) > rf.config.MaxBackups {
		if err := rf.fs.Remove(backups[0]); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}
