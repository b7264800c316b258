package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileConfig mirrors the options the teacher packs into its
// "path[::S=swapintv]" string in OpenStreamFile; swap rotation is the one
// option this package carries forward (time-tag replay/proxy/ftp options
// are a post-processing/real-time-receiver concern this module's batch
// RINEX/RTCM pipeline doesn't need — see DESIGN.md).
type FileConfig struct {
	Path string
	// SwapInterval rotates to a new timestamped file every interval when
	// writing, the teacher's "::S=swapintv" (seconds, 0 disables).
	SwapInterval time.Duration
}

// FileStream reads from or appends to a local file, grounded on the
// teacher's FileType/OpenStreamFile/ReadFile/WriteFile, with swap-file
// rotation (SwapStreamFile) for long-running capture sessions.
type FileStream struct {
	mu       sync.Mutex
	cfg      FileConfig
	fp       *os.File
	write    bool
	openedAt time.Time
}

// OpenFileRead opens path for reading (the teacher's STR_MODE_R branch).
func OpenFileRead(path string) (*FileStream, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stream: open file %s: %w", path, err)
	}
	return &FileStream{cfg: FileConfig{Path: path}, fp: fp}, nil
}

// OpenFileWrite creates (truncating) path for writing, the teacher's
// STR_MODE_W branch, creating parent directories as the teacher's
// CreateDir does.
func OpenFileWrite(cfg FileConfig) (*FileStream, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("stream: create dir %s: %w", dir, err)
		}
	}
	fp, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stream: create file %s: %w", cfg.Path, err)
	}
	return &FileStream{cfg: cfg, fp: fp, write: true, openedAt: time.Now()}, nil
}

func (f *FileStream) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fp.Read(buf)
}

// Write appends buf, rotating to a new timestamped file first if
// SwapInterval has elapsed since the current file was opened (the
// teacher's SwapStreamFile, invoked from WriteFile on tick overflow).
func (f *FileStream) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.write && f.cfg.SwapInterval > 0 && time.Since(f.openedAt) >= f.cfg.SwapInterval {
		if err := f.swap(); err != nil {
			return 0, err
		}
	}
	return f.fp.Write(buf)
}

func (f *FileStream) swap() error {
	f.fp.Close()
	rotated := fmt.Sprintf("%s.%s", f.cfg.Path, time.Now().Format("20060102_150405"))
	if err := os.Rename(f.cfg.Path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stream: swap rotate %s: %w", f.cfg.Path, err)
	}
	fp, err := os.OpenFile(f.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("stream: swap reopen %s: %w", f.cfg.Path, err)
	}
	f.fp = fp
	f.openedAt = time.Now()
	return nil
}

func (f *FileStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fp.Close()
}

func (f *FileStream) State() State {
	return StateConnected
}
