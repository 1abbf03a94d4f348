package tier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/nonprofitsuite/storagecore/internal/models"
)

// Local stores objects on the filesystem under root. Writes go to a temp
// file that is fsynced and renamed into place, hashing the stream on the way.
type Local struct {
	tier     models.Tier
	root     string
	capacity int64
}

func NewLocal(t models.Tier, root string, capacity int64) (*Local, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir %s: %w", root, err)
	}
	return &Local{tier: t, root: abs, capacity: capacity}, nil
}

func (l *Local) Tier() models.Tier { return l.tier }
func (l *Local) Name() string      { return "local" }

func (l *Local) path(op, ref string) (string, error) {
	key, err := CleanKey(ref)
	if err != nil {
		return "", newError(l.tier, op, err, false)
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

func (l *Local) Upload(_ context.Context, key string, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	full, err := l.path("upload", key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return nil, newError(l.tier, "upload", err, false)
	}

	tmp := full + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, newError(l.tier, "upload", err, false)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, newError(l.tier, "upload", err, true)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, newError(l.tier, "upload", err, true)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, newError(l.tier, "upload", err, false)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return nil, newError(l.tier, "upload", err, false)
	}

	ref, _ := CleanKey(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = mimeByExt(ref)
	}
	return &UploadResult{
		Ref:      ref,
		URL:      fileURL(full),
		Size:     size,
		MimeType: contentType,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (l *Local) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	full, err := l.path("open", ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(l.tier, "open", ErrNotFound, false)
		}
		return nil, newError(l.tier, "open", err, false)
	}
	return f, nil
}

func (l *Local) Download(ctx context.Context, ref, dest string) (string, error) {
	return downloadVia(ctx, l, ref, dest)
}

func (l *Local) Delete(_ context.Context, ref string) error {
	full, err := l.path("delete", ref)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError(l.tier, "delete", ErrNotFound, false)
		}
		return newError(l.tier, "delete", err, false)
	}
	return nil
}

func (l *Local) URL(_ context.Context, ref string, _ URLOptions) (string, error) {
	full, err := l.path("url", ref)
	if err != nil {
		return "", err
	}
	return fileURL(full), nil
}

func (l *Local) Exists(_ context.Context, ref string) bool {
	full, err := l.path("exists", ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

func (l *Local) Metadata(_ context.Context, ref string) (*ObjectInfo, error) {
	full, err := l.path("metadata", ref)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(l.tier, "metadata", ErrNotFound, false)
		}
		return nil, newError(l.tier, "metadata", err, false)
	}
	return &ObjectInfo{Size: info.Size(), MimeType: mimeByExt(ref), Modified: info.ModTime().UTC()}, nil
}

func (l *Local) List(_ context.Context, folder string, opts ListOptions) ([]string, error) {
	dir := l.root
	if folder != "" {
		var err error
		if dir, err = l.path("list", folder); err != nil {
			return nil, err
		}
	}

	var refs []string
	errDone := errors.New("limit reached")
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		refs = append(refs, filepath.ToSlash(rel))
		if opts.Limit > 0 && len(refs) >= opts.Limit {
			return errDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return nil, newError(l.tier, "list", err, false)
	}
	return refs, nil
}

func (l *Local) Usage(_ context.Context) (*Usage, error) {
	u := &Usage{Total: l.capacity}
	err := filepath.WalkDir(l.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		u.Used += info.Size()
		u.Count++
		return nil
	})
	if err != nil {
		return nil, newError(l.tier, "usage", err, false)
	}
	return u, nil
}

func (l *Local) TestConnection(_ context.Context) error {
	probe, err := os.CreateTemp(l.root, ".probe-*")
	if err != nil {
		return newError(l.tier, "test connection", err, false)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func mimeByExt(ref string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(ref))); t != "" {
		return t
	}
	return "application/octet-stream"
}

func fileURL(full string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String()
}
