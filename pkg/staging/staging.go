// Package staging holds uploaded files on local disk for the duration of one
// forwarding call.
//
// Every successful Stage must be paired with exactly one Release, registered
// with defer right after Stage returns. Release is idempotent and nil-safe so
// it can sit on every exit path of a handler.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultMaxNameLen = 96

// File is one staged upload.
type File struct {
	LocalPath    string
	OriginalName string
	SizeBytes    int64

	owner    *Manager
	released atomic.Bool
}

type Stats struct {
	Staged      int64 `json:"staged"`
	Released    int64 `json:"released"`
	InFlight    int64 `json:"in_flight"`
	StageErrors int64 `json:"stage_errors"`
	Swept       int64 `json:"swept"`
}

// Manager owns the staging directory shared by concurrent uploads.
type Manager struct {
	dir     string
	maxSize int64
	logf    func(format string, args ...any)

	// replaced in tests to simulate I/O failures
	remove func(name string) error

	staged      atomic.Int64
	released    atomic.Int64
	stageErrors atomic.Int64
	swept       atomic.Int64

	once    sync.Once
	initErr error
}

type Option func(*Manager)

// WithMaxSize bounds the number of bytes accepted per file. Zero means no limit.
func WithMaxSize(n int64) Option {
	return func(m *Manager) { m.maxSize = n }
}

func WithLogf(logf func(format string, args ...any)) Option {
	return func(m *Manager) {
		if logf != nil {
			m.logf = logf
		}
	}
}

var ErrTooLarge = errors.New("staged file exceeds size limit")

func New(dir string, opts ...Option) *Manager {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "uploads"
	}
	m := &Manager{
		dir:    filepath.Clean(dir),
		logf:   log.Printf,
		remove: os.Remove,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) ensureDir() error {
	m.once.Do(func() {
		m.initErr = os.MkdirAll(m.dir, 0o750)
	})
	return m.initErr
}

// Stage copies r into a fresh file under the staging directory. The path is
// unique per call, so concurrent uploads with the same name never collide.
// On error nothing is left on disk and no Release is needed.
func (m *Manager) Stage(ctx context.Context, originalName string, r io.Reader) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.ensureDir(); err != nil {
		m.stageErrors.Add(1)
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	name := uuid.NewString() + "-" + sanitizeName(originalName)
	path := filepath.Join(m.dir, name)
	// O_EXCL: a collision is an error, never a silent overwrite.
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		m.stageErrors.Add(1)
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	src := r
	if m.maxSize > 0 {
		src = io.LimitReader(r, m.maxSize+1)
	}
	written, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr == nil && m.maxSize > 0 && written > m.maxSize {
		copyErr = ErrTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		m.stageErrors.Add(1)
		if rmErr := m.remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			m.logf("staging: cleanup after failed write %s: %v", path, rmErr)
		}
		if errors.Is(copyErr, ErrTooLarge) {
			return nil, copyErr
		}
		return nil, fmt.Errorf("write staged file: %w", copyErr)
	}
	m.staged.Add(1)
	return &File{LocalPath: path, OriginalName: originalName, SizeBytes: written, owner: m}, nil
}

// Release deletes a staged file. It is safe to call on nil, twice, or after
// the file vanished; only the first call on a file this manager staged does
// any work. Removal failures are logged, not returned.
func (m *Manager) Release(f *File) {
	if f == nil || f.owner != m || !f.released.CompareAndSwap(false, true) {
		return
	}
	m.released.Add(1)
	if err := m.remove(f.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logf("staging: release %s: %v", f.LocalPath, err)
	}
}

// Sweep removes regular files older than maxAge, left behind by a process that
// died between Stage and Release.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := m.remove(filepath.Join(m.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logf("staging: sweep %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	m.swept.Add(int64(removed))
	return removed, nil
}

func (m *Manager) Stats() Stats {
	staged := m.staged.Load()
	released := m.released.Load()
	return Stats{
		Staged:      staged,
		Released:    released,
		InFlight:    staged - released,
		StageErrors: m.stageErrors.Load(),
		Swept:       m.swept.Load(),
	}
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		out = "upload"
	}
	if len(out) > defaultMaxNameLen {
		out = out[len(out)-defaultMaxNameLen:]
	}
	return out
}
