// Package tier abstracts the physical storage backends behind one adapter
// contract. Each storage tier (cdn, cloud, cache, local, collab) is served by
// exactly one registered Adapter.
package tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nonprofitsuite/storagecore/internal/models"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnsupported = errors.New("operation not supported by tier")
	ErrNoAdapter   = errors.New("no adapter registered for tier")
	ErrInvalidKey  = errors.New("invalid object key")
)

type UploadOptions struct {
	ContentType string
	Public      bool
}

type UploadResult struct {
	Ref      string `json:"ref"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	Checksum string `json:"checksum,omitempty"`
}

type URLOptions struct {
	// Expiry applies to signed URLs. Zero means the adapter default.
	Expiry time.Duration
}

type ObjectInfo struct {
	Size     int64     `json:"size"`
	MimeType string    `json:"mime_type"`
	Modified time.Time `json:"modified"`
}

type ListOptions struct {
	Limit int
}

// Usage reports consumption of a tier. Total is zero when the backend has no
// known capacity.
type Usage struct {
	Used  int64 `json:"used_bytes"`
	Total int64 `json:"total_bytes"`
	Count int64 `json:"object_count"`
}

type Adapter interface {
	Tier() models.Tier
	Name() string

	Upload(ctx context.Context, key string, r io.Reader, opts UploadOptions) (*UploadResult, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Download writes the object to dest, or to a temp file when dest is
	// empty, and returns the local path.
	Download(ctx context.Context, ref, dest string) (string, error)
	Delete(ctx context.Context, ref string) error
	URL(ctx context.Context, ref string, opts URLOptions) (string, error)
	// Exists never fails; backend errors count as absent.
	Exists(ctx context.Context, ref string) bool
	Metadata(ctx context.Context, ref string) (*ObjectInfo, error)
	List(ctx context.Context, folder string, opts ListOptions) ([]string, error)
	Usage(ctx context.Context) (*Usage, error)
	TestConnection(ctx context.Context) error
}

// Error is returned by every adapter operation that fails.
type Error struct {
	Tier      models.Tier
	Op        string
	Err       error
	transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("tier %s: %s: %v", e.Tier, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the operation may succeed.
func (e *Error) Transient() bool { return e.transient }

func newError(t models.Tier, op string, err error, transient bool) error {
	if err == nil {
		return nil
	}
	return &Error{Tier: t, Op: op, Err: err, transient: transient}
}

// IsTransient reports whether err carries a transient tier failure.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Transient()
}

// CleanKey validates an object key. Keys are slash separated and relative;
// anything escaping the root is rejected.
func CleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// ObjectKey is the key every tier stores a file under.
func ObjectKey(fileID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = "blob"
	}
	return "files/" + fileID + "/" + name
}

// downloadVia implements Download on top of Open.
func downloadVia(ctx context.Context, a Adapter, ref, dest string) (string, error) {
	rc, err := a.Open(ctx, ref)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var f *os.File
	if dest == "" {
		f, err = os.CreateTemp("", "tier-*"+path.Ext(ref))
	} else {
		f, err = os.Create(dest)
	}
	if err != nil {
		return "", newError(a.Tier(), "download", err, false)
	}

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", newError(a.Tier(), "download", err, true)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", newError(a.Tier(), "download", err, false)
	}
	return f.Name(), nil
}

// Registry maps each tier to the adapter serving it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Tier]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Tier]Adapter)}
}

// Register installs a, replacing any adapter already serving its tier.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Tier()] = a
}

func (r *Registry) Get(t models.Tier) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, t)
	}
	return a, nil
}

func (r *Registry) Has(t models.Tier) bool {
	_, err := r.Get(t)
	return err == nil
}

// Tiers lists the registered tiers in a stable order.
func (r *Registry) Tiers() []models.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tier, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReadPreference is the order in which tiers are tried when reading a file
// back. The cache tier is left out because it only ever mirrors the others.
var ReadPreference = []models.Tier{models.TierLocal, models.TierCDN, models.TierCloud, models.TierCollab}

// OpenFirst opens key from the first tier in ReadPreference that is both in
// held and registered. Tiers missing the object are skipped.
func (r *Registry) OpenFirst(ctx context.Context, key string, held []models.Tier) (io.ReadCloser, models.Tier, error) {
	want := make(map[models.Tier]bool, len(held))
	for _, t := range held {
		want[t] = true
	}

	var lastErr error = ErrNotFound
	for _, t := range ReadPreference {
		if !want[t] {
			continue
		}
		a, err := r.Get(t)
		if err != nil {
			continue
		}
		rc, err := a.Open(ctx, key)
		if err == nil {
			return rc, t, nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}
