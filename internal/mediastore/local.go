package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dchest/safefile"

	"github.com/daoistvideo/platform/internal/media"
)

// Local stores objects as files below Root. Writes are atomic: readers
// never observe a partially written file.
type Local struct {
	Root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.New("media root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Local{Root: abs}, nil
}

func (l *Local) path(key string) (string, string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(l.Root, filepath.FromSlash(clean)), nil
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	_, p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	f, err := safefile.Create(p, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return f.Commit()
}

func (l *Local) PutFile(ctx context.Context, key, localPath, contentType string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	return l.Put(ctx, key, src, -1, contentType)
}

func (l *Local) Open(_ context.Context, key string) (*Object, error) {
	clean, p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Object{ReadSeekCloser: f, Info: localInfo(clean, st)}, nil
}

func (l *Local) Stat(_ context.Context, key string) (Info, error) {
	clean, p, err := l.path(key)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, err
	}
	return localInfo(clean, st), nil
}

func (l *Local) Fetch(ctx context.Context, key, dst string) error {
	obj, err := l.Open(ctx, key)
	if err != nil {
		return err
	}
	defer obj.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, obj); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", key, err)
	}
	return out.Close()
}

func (l *Local) Delete(_ context.Context, key string) error {
	_, p, err := l.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (l *Local) List(ctx context.Context, prefix string) ([]Info, error) {
	dir := filepath.Join(l.Root, filepath.FromSlash(cleanPrefix(prefix)))
	var out []Info
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		out = append(out, localInfo(filepath.ToSlash(rel), st))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *Local) Usage(ctx context.Context, prefix string) (int64, error) {
	infos, err := l.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return sumSizes(infos), nil
}

func localInfo(key string, st fs.FileInfo) Info {
	return Info{
		Key:         key,
		Size:        st.Size(),
		ModTime:     st.ModTime().UTC(),
		ContentType: media.ContentTypeFor(key),
	}
}

var _ Store = (*Local)(nil)
