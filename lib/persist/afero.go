package persist

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// fsBackend stores every object as one file of an afero file system.
type fsBackend struct {
	fs afero.Fs
}

// NewFileBackend stores objects in the local file system; paths are file system paths.
func NewFileBackend() Backend { return &fsBackend{fs: afero.NewOsFs()} }

// NewMemBackend keeps objects in memory. It is used by tests and by clusters that only need
// snapshots for the lifetime of the process.
func NewMemBackend() Backend { return &fsBackend{fs: afero.NewMemMapFs()} }

// NewFsBackend stores objects in fs.
func NewFsBackend(fs afero.Fs) Backend { return &fsBackend{fs: fs} }

func (b *fsBackend) Read(_ context.Context, p string, off, n int64) ([]byte, error) {
	f, err := b.fs.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", p)
	}
	defer f.Close()
	if n < 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "seeking %s", p)
		}
		return io.ReadAll(f)
	}
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
		return nil, errors.Wrapf(err, "reading %d bytes at %d of %s", n, off, p)
	}
	return buf, nil
}

// Write writes to a temporary file that is renamed to p on Close.
func (b *fsBackend) Write(_ context.Context, p string) (io.WriteCloser, error) {
	if dir := filepath.Dir(p); dir != "." {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", dir)
		}
	}
	tmp := p + ".tmp"
	f, err := b.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", tmp)
	}
	return &fsWriter{File: f, fs: b.fs, tmp: tmp, dst: p}, nil
}

type fsWriter struct {
	afero.File
	fs       afero.Fs
	tmp, dst string
}

func (w *fsWriter) Close() error {
	if err := w.File.Sync(); err != nil {
		_ = w.File.Close()
		return errors.Wrapf(err, "syncing %s", w.tmp)
	}
	if err := w.File.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", w.tmp)
	}
	return errors.Wrapf(w.fs.Rename(w.tmp, w.dst), "renaming %s", w.tmp)
}

func (b *fsBackend) Exists(_ context.Context, p string) (bool, error) {
	return afero.Exists(b.fs, p)
}

func (b *fsBackend) Delete(_ context.Context, p string) error {
	err := b.fs.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List walks the directory of prefix and returns the files starting with prefix.
func (b *fsBackend) List(_ context.Context, prefix string) ([]string, error) {
	root := prefix
	if !strings.HasSuffix(prefix, "/") {
		root = path.Dir(prefix)
	}
	if ok, err := afero.DirExists(b.fs, root); err != nil || !ok {
		return nil, err
	}
	var out []string
	err := afero.Walk(b.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		p = filepath.ToSlash(p)
		if !info.IsDir() && strings.HasPrefix(p, prefix) && !strings.HasSuffix(p, ".tmp") {
			out = append(out, p)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (b *fsBackend) Close() error { return nil }
