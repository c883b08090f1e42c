package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
	fileExt  = ".rec"
)

// FileBackend stores one owner-only file per key under a root directory.
// Key segments separated by "/" become subdirectories.
type FileBackend struct {
	root string
	mu   sync.RWMutex
}

// NewFileBackend creates root with 0700 permissions if needed and tightens
// the mode of an existing directory.
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	if err := os.Chmod(root, dirMode); err != nil {
		return nil, fmt.Errorf("securing storage dir: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (f *FileBackend) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	segs := strings.Split(key, "/")
	for i, s := range segs {
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("invalid key %q", key)
		}
		segs[i] = url.PathEscape(s)
	}
	return filepath.Join(f.root, filepath.Join(segs...)) + fileExt, nil
}

func (f *FileBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return classify(ctx, "put", err)
	}
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("creating dir for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p)
}

func (f *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, "get", err)
	}
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Delete overwrites the file with random bytes of equal length before removing it.
func (f *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return classify(ctx, "delete", err)
	}
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(p, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	info, err := fh.Stat()
	if err == nil {
		_, err = io.CopyN(fh, rand.Reader, info.Size())
	}
	if err == nil {
		err = fh.Sync()
	}
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("overwriting %s: %w", key, err)
	}
	return os.Remove(p)
}

func (f *FileBackend) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, "scan", err)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Entry
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, fileExt) {
			return nil
		}
		rel, err := filepath.Rel(f.root, strings.TrimSuffix(p, fileExt))
		if err != nil {
			return err
		}
		segs := strings.Split(filepath.ToSlash(rel), "/")
		for i, s := range segs {
			if segs[i], err = url.PathUnescape(s); err != nil {
				return err
			}
		}
		key := strings.Join(segs, "/")
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, Entry{Key: key, Value: b})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *FileBackend) Close() error { return nil }
