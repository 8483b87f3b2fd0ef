package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap/zapcore"
)

const defaultMaxFileBytes = 10 << 20

// rotatingFile is an append-only file that renames itself to <name>.1 and
// reopens once it exceeds maxBytes. One previous generation is kept.
type rotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	size     int64
	f        *os.File
}

func openRotatingFile(path string, maxBytes int64) (*rotatingFile, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingFile{path: path, maxBytes: maxBytes, size: info.Size(), f: f}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotateLocked() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(r.path, r.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Sync()
}

// categoryCore routes entries to per-category files based on the "category"
// field, defaulting to the system file.
type categoryCore struct {
	zapcore.LevelEnabler
	enc   zapcore.Encoder
	files map[string]*rotatingFile
	def   *rotatingFile
}

func newCategoryCore(dir string, maxBytes int64, encCfg zapcore.EncoderConfig, enab zapcore.LevelEnabler) (zapcore.Core, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	categories := []string{
		CategoryError, CategoryTrade, CategoryDecision,
		CategoryPerformance, CategorySystem, CategoryAPI,
	}
	files := make(map[string]*rotatingFile, len(categories))
	for _, c := range categories {
		f, err := openRotatingFile(filepath.Join(dir, c+".log"), maxBytes)
		if err != nil {
			return nil, fmt.Errorf("open %s log: %w", c, err)
		}
		files[c] = f
	}
	return &categoryCore{
		LevelEnabler: enab,
		enc:          zapcore.NewJSONEncoder(encCfg),
		files:        files,
		def:          files[CategorySystem],
	}, nil
}

func (c *categoryCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.enc = c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return &clone
}

func (c *categoryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *categoryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	target := c.def
	if ent.Level >= zapcore.ErrorLevel {
		target = c.files[CategoryError]
	}
	for _, f := range fields {
		if f.Key == "category" {
			if file, ok := c.files[f.String]; ok {
				target = file
			}
			break
		}
	}
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	_, err = target.Write(buf.Bytes())
	return err
}

func (c *categoryCore) Sync() error {
	var firstErr error
	for _, f := range c.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
