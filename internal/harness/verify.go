package harness

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectMismatch is returned when a stored object differs from the
// uploaded payload.
var ErrObjectMismatch = errors.New("stored object does not match payload")

// Verifier inspects stored objects through an independent S3 client.
type Verifier struct {
	client *minio.Client
}

// NewVerifier returns a Verifier for the endpoint URL.
func NewVerifier(endpoint, region, accessKeyID, secretAccessKey, sessionToken string) (*Verifier, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(accessKeyID, secretAccessKey, sessionToken),
		Secure:       u.Scheme == "https",
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Verifier{client: client}, nil
}

// EnsureBucket creates bucket if it does not exist yet.
func (v *Verifier) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := v.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := v.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Remove deletes the object if present.
func (v *Verifier) Remove(ctx context.Context, bucket, key string) error {
	return v.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// Stored checks that bucket/key holds want. The server-reported SHA-256 is
// compared when available; otherwise the object is downloaded and hashed.
func (v *Verifier) Stored(ctx context.Context, bucket, key string, want []byte) error {
	info, err := v.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{Checksum: true})
	if err != nil {
		return fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	if info.Size != int64(len(want)) {
		return fmt.Errorf("%w: size %d, expected %d", ErrObjectMismatch, info.Size, len(want))
	}

	sum := sha256.Sum256(want)
	wantChecksum := base64.StdEncoding.EncodeToString(sum[:])
	if info.ChecksumSHA256 != "" {
		if info.ChecksumSHA256 != wantChecksum {
			return fmt.Errorf("%w: checksum %s, expected %s", ErrObjectMismatch, info.ChecksumSHA256, wantChecksum)
		}
		return nil
	}

	obj, err := v.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	h := sha256.New()
	if _, err := io.Copy(h, obj); err != nil {
		return fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	if got := base64.StdEncoding.EncodeToString(h.Sum(nil)); got != wantChecksum {
		return fmt.Errorf("%w: content hashes to %s, expected %s", ErrObjectMismatch, got, wantChecksum)
	}
	return nil
}

// Absent checks that bucket/key does not exist.
func (v *Verifier) Absent(ctx context.Context, bucket, key string) error {
	_, err := v.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return fmt.Errorf("%w: object %s/%s exists", ErrObjectMismatch, bucket, key)
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil
	}
	return fmt.Errorf("stat %s/%s: %w", bucket, key, err)
}
