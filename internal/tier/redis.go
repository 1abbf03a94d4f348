package tier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nonprofitsuite/storagecore/internal/models"
)

const (
	blobPrefix = "storagecore:blob:"
	metaPrefix = "storagecore:meta:"
)

// Redis keeps object bytes in Redis strings with a TTL, and a sibling hash
// for size, content type and modification time.
type Redis struct {
	tier   models.Tier
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(t models.Tier, client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{tier: t, client: client, ttl: ttl}
}

func (r *Redis) Tier() models.Tier { return r.tier }
func (r *Redis) Name() string      { return "redis" }

func (r *Redis) wrap(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return newError(r.tier, op, ErrNotFound, false)
	}
	return newError(r.tier, op, err, true)
}

func (r *Redis) Upload(ctx context.Context, key string, data io.Reader, opts UploadOptions) (*UploadResult, error) {
	ref, err := CleanKey(key)
	if err != nil {
		return nil, newError(r.tier, "upload", err, false)
	}

	buf := &bytes.Buffer{}
	hasher := sha256.New()
	if _, err := io.Copy(buf, io.TeeReader(data, hasher)); err != nil {
		return nil, newError(r.tier, "upload", fmt.Errorf("read upload data: %w", err), true)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = mimeByExt(ref)
	}
	size := int64(buf.Len())

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, blobPrefix+ref, buf.Bytes(), r.ttl)
		pipe.HSet(ctx, metaPrefix+ref,
			"size", size,
			"mime_type", contentType,
			"modified", time.Now().UTC().Format(time.RFC3339Nano),
		)
		if r.ttl > 0 {
			pipe.Expire(ctx, metaPrefix+ref, r.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, r.wrap("upload", err)
	}

	return &UploadResult{
		Ref:      ref,
		Size:     size,
		MimeType: contentType,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (r *Redis) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	data, err := r.client.Get(ctx, blobPrefix+ref).Bytes()
	if err != nil {
		return nil, r.wrap("open", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *Redis) Download(ctx context.Context, ref, dest string) (string, error) {
	return downloadVia(ctx, r, ref, dest)
}

func (r *Redis) Delete(ctx context.Context, ref string) error {
	n, err := r.client.Del(ctx, blobPrefix+ref, metaPrefix+ref).Result()
	if err != nil {
		return r.wrap("delete", err)
	}
	if n == 0 {
		return newError(r.tier, "delete", ErrNotFound, false)
	}
	return nil
}

func (r *Redis) URL(_ context.Context, _ string, _ URLOptions) (string, error) {
	return "", newError(r.tier, "url", ErrUnsupported, false)
}

func (r *Redis) Exists(ctx context.Context, ref string) bool {
	n, err := r.client.Exists(ctx, blobPrefix+ref).Result()
	return err == nil && n > 0
}

func (r *Redis) Metadata(ctx context.Context, ref string) (*ObjectInfo, error) {
	fields, err := r.client.HGetAll(ctx, metaPrefix+ref).Result()
	if err != nil {
		return nil, r.wrap("metadata", err)
	}
	if len(fields) == 0 {
		return nil, newError(r.tier, "metadata", ErrNotFound, false)
	}

	info := &ObjectInfo{MimeType: fields["mime_type"]}
	info.Size, _ = strconv.ParseInt(fields["size"], 10, 64)
	info.Modified, _ = time.Parse(time.RFC3339Nano, fields["modified"])
	return info, nil
}

func (r *Redis) scan(ctx context.Context, match string, fn func(key string) bool) error {
	iter := r.client.Scan(ctx, 0, match, 200).Iterator()
	for iter.Next(ctx) {
		if !fn(iter.Val()) {
			return nil
		}
	}
	return iter.Err()
}

func (r *Redis) List(ctx context.Context, folder string, opts ListOptions) ([]string, error) {
	var refs []string
	err := r.scan(ctx, blobPrefix+folder+"*", func(key string) bool {
		refs = append(refs, strings.TrimPrefix(key, blobPrefix))
		return opts.Limit <= 0 || len(refs) < opts.Limit
	})
	if err != nil {
		return nil, r.wrap("list", err)
	}
	return refs, nil
}

func (r *Redis) Usage(ctx context.Context) (*Usage, error) {
	u := &Usage{}
	var keys []string
	err := r.scan(ctx, blobPrefix+"*", func(key string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return nil, r.wrap("usage", err)
	}

	if len(keys) > 0 {
		cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range keys {
				pipe.StrLen(ctx, k)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, r.wrap("usage", err)
		}
		for _, c := range cmds {
			if n, err := c.(*redis.IntCmd).Result(); err == nil && n > 0 {
				u.Used += n
				u.Count++
			}
		}
	}

	if maxmem, err := r.client.ConfigGet(ctx, "maxmemory").Result(); err == nil {
		u.Total, _ = strconv.ParseInt(maxmem["maxmemory"], 10, 64)
	}
	return u, nil
}

func (r *Redis) TestConnection(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.wrap("test connection", err)
	}
	return nil
}
