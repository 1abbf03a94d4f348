package tier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nonprofitsuite/storagecore/internal/models"
)

const defaultPresignExpiry = 15 * time.Minute

type S3Config struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint targets S3-compatible services; path-style addressing is used
	// whenever it is set.
	Endpoint string
	Capacity int64
}

// S3 stores objects in a single bucket on AWS S3 or a compatible service.
type S3 struct {
	tier     models.Tier
	bucket   string
	capacity int64
	client   *s3.Client
	presign  *s3.PresignClient
}

func NewS3(ctx context.Context, t models.Tier, cfg S3Config) (*S3, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		tier:     t,
		bucket:   cfg.Bucket,
		capacity: cfg.Capacity,
		client:   client,
		presign:  s3.NewPresignClient(client),
	}, nil
}

func (s *S3) Tier() models.Tier { return s.tier }
func (s *S3) Name() string      { return "s3" }

// wrap classifies SDK errors: missing keys map to ErrNotFound, throttling,
// 5xx and transport failures are transient.
func (s *S3) wrap(op string, err error) error {
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		respErr  *awshttp.ResponseError
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return newError(s.tier, op, ErrNotFound, false)
	case errors.As(err, &respErr):
		code := respErr.HTTPStatusCode()
		if code == http.StatusNotFound {
			return newError(s.tier, op, ErrNotFound, false)
		}
		return newError(s.tier, op, err, code == http.StatusTooManyRequests || code >= 500)
	}
	return newError(s.tier, op, err, true)
}

func (s *S3) Upload(ctx context.Context, key string, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	ref, err := CleanKey(key)
	if err != nil {
		return nil, newError(s.tier, "upload", err, false)
	}

	buf := &bytes.Buffer{}
	hasher := sha256.New()
	if _, err := io.Copy(buf, io.TeeReader(r, hasher)); err != nil {
		return nil, newError(s.tier, "upload", fmt.Errorf("read upload data: %w", err), true)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = mimeByExt(ref)
	}
	size := int64(buf.Len())

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(ref),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return nil, s.wrap("upload", err)
	}

	return &UploadResult{
		Ref:      ref,
		Size:     size,
		MimeType: contentType,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (s *S3) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, s.wrap("open", err)
	}
	return out.Body, nil
}

func (s *S3) Download(ctx context.Context, ref, dest string) (string, error) {
	return downloadVia(ctx, s, ref, dest)
}

func (s *S3) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return s.wrap("delete", err)
	}
	return nil
}

func (s *S3) URL(ctx context.Context, ref string, opts URLOptions) (string, error) {
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", s.wrap("url", err)
	}
	return req.URL, nil
}

func (s *S3) Exists(ctx context.Context, ref string) bool {
	_, err := s.Metadata(ctx, ref)
	return err == nil
}

func (s *S3) Metadata(ctx context.Context, ref string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, s.wrap("metadata", err)
	}
	return &ObjectInfo{
		Size:     aws.ToInt64(out.ContentLength),
		MimeType: aws.ToString(out.ContentType),
		Modified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3) List(ctx context.Context, folder string, opts ListOptions) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if folder != "" {
		input.Prefix = aws.String(folder)
	}

	var refs []string
	p := s3.NewListObjectsV2Paginator(s.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.wrap("list", err)
		}
		for _, obj := range page.Contents {
			refs = append(refs, aws.ToString(obj.Key))
			if opts.Limit > 0 && len(refs) >= opts.Limit {
				return refs, nil
			}
		}
	}
	return refs, nil
}

func (s *S3) Usage(ctx context.Context) (*Usage, error) {
	u := &Usage{Total: s.capacity}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.wrap("usage", err)
		}
		for _, obj := range page.Contents {
			u.Used += aws.ToInt64(obj.Size)
			u.Count++
		}
	}
	return u, nil
}

func (s *S3) TestConnection(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return s.wrap("test connection", err)
	}
	return nil
}
