package tier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nonprofitsuite/storagecore/internal/models"
)

type SupabaseConfig struct {
	URL        string
	ServiceKey string
	Bucket     string
	// Public buckets are served through the public object path instead of
	// signed URLs.
	Public   bool
	Capacity int64
}

// Supabase talks to the Supabase Storage REST API for one bucket.
type Supabase struct {
	tier       models.Tier
	baseURL    string
	serviceKey string
	bucket     string
	public     bool
	capacity   int64
	httpClient *http.Client
}

func NewSupabase(t models.Tier, cfg SupabaseConfig) *Supabase {
	return &Supabase{
		tier:       t,
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/storage/v1",
		serviceKey: cfg.ServiceKey,
		bucket:     cfg.Bucket,
		public:     cfg.Public,
		capacity:   cfg.Capacity,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (s *Supabase) Tier() models.Tier { return s.tier }
func (s *Supabase) Name() string      { return "supabase" }

func (s *Supabase) objectURL(ref string) string {
	return fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, ref)
}

func (s *Supabase) do(ctx context.Context, op, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, newError(s.tier, op, fmt.Errorf("create request: %w", err), false)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, newError(s.tier, op, err, true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, s.statusError(op, resp.StatusCode, msg)
	}
	return resp, nil
}

// statusError maps a failed response. Supabase reports missing objects as
// 404, or as 400 with a not_found body.
func (s *Supabase) statusError(op string, code int, body []byte) error {
	text := string(body)
	if code == http.StatusNotFound || strings.Contains(strings.ToLower(text), "not_found") ||
		strings.Contains(strings.ToLower(text), "object not found") {
		return newError(s.tier, op, ErrNotFound, false)
	}
	transient := code == http.StatusTooManyRequests || code >= 500
	return newError(s.tier, op, fmt.Errorf("%s failed (%d): %s", op, code, text), transient)
}

func (s *Supabase) Upload(ctx context.Context, key string, data io.Reader, opts UploadOptions) (*UploadResult, error) {
	ref, err := CleanKey(key)
	if err != nil {
		return nil, newError(s.tier, "upload", err, false)
	}

	buf := &bytes.Buffer{}
	hasher := sha256.New()
	if _, err := io.Copy(buf, io.TeeReader(data, hasher)); err != nil {
		return nil, newError(s.tier, "upload", fmt.Errorf("read upload data: %w", err), true)
	}
	size := int64(buf.Len())

	contentType := opts.ContentType
	if contentType == "" {
		contentType = mimeByExt(ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(ref), buf)
	if err != nil {
		return nil, newError(s.tier, "upload", fmt.Errorf("create upload request: %w", err), false)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, newError(s.tier, "upload", err, true)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, s.statusError("upload", resp.StatusCode, body)
	}

	res := &UploadResult{
		Ref:      ref,
		Size:     size,
		MimeType: contentType,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}
	if s.public {
		res.URL = s.publicURL(ref)
	}
	return res, nil
}

func (s *Supabase) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, "open", http.MethodGet, s.objectURL(ref), nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *Supabase) Download(ctx context.Context, ref, dest string) (string, error) {
	return downloadVia(ctx, s, ref, dest)
}

func (s *Supabase) Delete(ctx context.Context, ref string) error {
	resp, err := s.do(ctx, "delete", http.MethodDelete, s.objectURL(ref), nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *Supabase) publicURL(ref string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", s.baseURL, s.bucket, ref)
}

func (s *Supabase) URL(ctx context.Context, ref string, opts URLOptions) (string, error) {
	if s.public {
		return s.publicURL(ref), nil
	}

	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	body, _ := json.Marshal(map[string]int{"expiresIn": int(expiry.Seconds())})
	url := fmt.Sprintf("%s/object/sign/%s/%s", s.baseURL, s.bucket, ref)

	resp, err := s.do(ctx, "url", http.MethodPost, url, bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", newError(s.tier, "url", fmt.Errorf("decode signed url: %w", err), false)
	}
	return s.baseURL + signed.SignedURL, nil
}

func (s *Supabase) Exists(ctx context.Context, ref string) bool {
	_, err := s.Metadata(ctx, ref)
	return err == nil
}

func (s *Supabase) Metadata(ctx context.Context, ref string) (*ObjectInfo, error) {
	resp, err := s.do(ctx, "metadata", http.MethodHead, s.objectURL(ref), nil, "")
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	info := &ObjectInfo{MimeType: resp.Header.Get("Content-Type")}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		info.Size = n
	} else if resp.ContentLength > 0 {
		info.Size = resp.ContentLength
	}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.Modified = t.UTC()
	}
	return info, nil
}

type supabaseObject struct {
	Name     string  `json:"name"`
	ID       *string `json:"id"`
	Metadata *struct {
		Size     int64  `json:"size"`
		Mimetype string `json:"mimetype"`
	} `json:"metadata"`
}

func (s *Supabase) listPage(ctx context.Context, prefix string, limit, offset int) ([]supabaseObject, error) {
	body, _ := json.Marshal(map[string]any{
		"prefix": prefix,
		"limit":  limit,
		"offset": offset,
		"sortBy": map[string]string{"column": "name", "order": "asc"},
	})
	url := fmt.Sprintf("%s/object/list/%s", s.baseURL, s.bucket)

	resp, err := s.do(ctx, "list", http.MethodPost, url, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var objects []supabaseObject
	if err := json.NewDecoder(resp.Body).Decode(&objects); err != nil {
		return nil, newError(s.tier, "list", fmt.Errorf("decode listing: %w", err), false)
	}
	return objects, nil
}

// walk visits every object below prefix until fn returns false. Supabase
// listings are one level deep; entries without an id are folders.
func (s *Supabase) walk(ctx context.Context, prefix string, fn func(ref string, obj supabaseObject) bool) (bool, error) {
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		objects, err := s.listPage(ctx, prefix, pageSize, offset)
		if err != nil {
			return false, err
		}
		for _, obj := range objects {
			ref := obj.Name
			if prefix != "" {
				ref = strings.TrimSuffix(prefix, "/") + "/" + obj.Name
			}
			if obj.ID == nil {
				more, err := s.walk(ctx, ref, fn)
				if err != nil || !more {
					return more, err
				}
				continue
			}
			if !fn(ref, obj) {
				return false, nil
			}
		}
		if len(objects) < pageSize {
			return true, nil
		}
	}
}

func (s *Supabase) List(ctx context.Context, folder string, opts ListOptions) ([]string, error) {
	var refs []string
	_, err := s.walk(ctx, strings.Trim(folder, "/"), func(ref string, _ supabaseObject) bool {
		refs = append(refs, ref)
		return opts.Limit <= 0 || len(refs) < opts.Limit
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Supabase) Usage(ctx context.Context) (*Usage, error) {
	u := &Usage{Total: s.capacity}
	_, err := s.walk(ctx, "", func(_ string, obj supabaseObject) bool {
		if obj.Metadata != nil {
			u.Used += obj.Metadata.Size
		}
		u.Count++
		return true
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Supabase) TestConnection(ctx context.Context) error {
	resp, err := s.do(ctx, "test connection", http.MethodGet, fmt.Sprintf("%s/bucket/%s", s.baseURL, s.bucket), nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
