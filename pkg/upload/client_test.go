package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"putsum/internal/auth"
	"putsum/internal/silo"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testBucket = "uploads"

func testCredentialsProvider() aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(auth.DefaultAccessKeyID, auth.DefaultSecretAccessKey, "")
}

// newTestEndpoint starts a local S3 server with testBucket created and
// returns its URL and a minio client for verification.
func newTestEndpoint(t *testing.T) (string, *minio.Client) {
	t.Helper()

	srv, err := silo.NewServer(t.Context(), silo.NewConfig(silo.WithDataDir(t.TempDir())))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err)

	mc, err := minio.New(u.Host, &minio.Options{
		Creds:  miniocreds.NewStaticV4(auth.DefaultAccessKeyID, auth.DefaultSecretAccessKey, ""),
		Region: DefaultRegion,
	})
	require.NoError(t, err)
	require.NoError(t, mc.MakeBucket(t.Context(), testBucket, minio.MakeBucketOptions{}))

	return httpSrv.URL, mc
}

func newTestClient(t *testing.T, endpoint string, opts ...Option) *Client {
	t.Helper()

	c, err := New(endpoint, testCredentialsProvider(), opts...)
	require.NoError(t, err)
	return c
}

// requireStored checks the stored object through minio-go.
func requireStored(t *testing.T, mc *minio.Client, key string, want []byte) {
	t.Helper()

	info, err := mc.StatObject(t.Context(), testBucket, key, minio.StatObjectOptions{Checksum: true})
	require.NoError(t, err)
	require.EqualValues(t, len(want), info.Size)
	require.Equal(t, ComputeSHA256(want).Base64(), info.ChecksumSHA256)
}

func requireAbsent(t *testing.T, mc *minio.Client, key string) {
	t.Helper()

	_, err := mc.StatObject(t.Context(), testBucket, key, minio.StatObjectOptions{})
	require.Error(t, err)
	require.Equal(t, "NoSuchKey", minio.ToErrorResponse(err).Code)
}

func TestUploadRoundTrips(t *testing.T) {
	t.Parallel()

	endpoint, mc := newTestEndpoint(t)
	c := newTestClient(t, endpoint)

	abc := []byte("abc")
	abcDigest := ComputeSHA256(abc)
	big := bytes.Repeat([]byte{0x42}, DefaultBufferThreshold+1)
	bigDigest := ComputeSHA256(big)

	tests := []struct {
		name         string
		req          Request
		want         []byte
		framing      Framing
		digestSource DigestSource
	}{
		{
			name:         "seekable with digest",
			req:          Request{Key: "seekable-digest", Body: NewBytes(abc), Digest: &abcDigest},
			want:         abc,
			framing:      FramingBuffered,
			digestSource: DigestCaller,
		},
		{
			name:         "seekable without digest",
			req:          Request{Key: "seekable", Body: NewBytes(abc)},
			want:         abc,
			framing:      FramingBuffered,
			digestSource: DigestComputed,
		},
		{
			name:         "single-pass small with digest",
			req:          Request{Key: "single-small-digest", Body: NewSinglePass(bytes.NewReader(abc), 3), Digest: &abcDigest},
			want:         abc,
			framing:      FramingPrecalculatedSigned,
			digestSource: DigestCaller,
		},
		{
			name:         "single-pass big with digest",
			req:          Request{Key: "single-big-digest", Body: NewSinglePass(bytes.NewReader(big), int64(len(big))), Digest: &bigDigest},
			want:         big,
			framing:      FramingPrecalculatedSigned,
			digestSource: DigestCaller,
		},
		{
			name:         "single-pass small without digest",
			req:          Request{Key: "single-small", Body: NewSinglePass(bytes.NewReader(abc), 3)},
			want:         abc,
			framing:      FramingBuffered,
			digestSource: DigestComputed,
		},
		{
			name:         "single-pass big without digest",
			req:          Request{Key: "single-big", Body: NewSinglePass(bytes.NewReader(big), int64(len(big)))},
			want:         big,
			framing:      FramingChunkedSigned,
			digestSource: DigestStreamed,
		},
		{
			name:         "single-pass unknown length",
			req:          Request{Key: "single-unknown", Body: NewSinglePass(bytes.NewReader(abc), UnknownLength)},
			want:         abc,
			framing:      FramingChunkedSigned,
			digestSource: DigestStreamed,
		},
		{
			name: "chunk sequence unknown length",
			req: Request{Key: "dir/sequence.bin", Body: NewSinglePassChunks(func(yield func([]byte) bool) {
				for off := 0; off < len(big); off += 100_000 {
					if !yield(big[off:min(off+100_000, len(big))]) {
						return
					}
				}
			}, UnknownLength)},
			want:         big,
			framing:      FramingChunkedSigned,
			digestSource: DigestStreamed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.Bucket = testBucket

			result, err := c.Upload(t.Context(), req)
			require.NoError(t, err)
			require.Equal(t, tc.framing, result.Framing)
			require.Equal(t, tc.digestSource, result.DigestSource)
			require.EqualValues(t, len(tc.want), result.Size)
			require.NotEmpty(t, result.ETag)
			require.Equal(t, ComputeSHA256(tc.want).Base64(), result.ServerChecksum)
			require.True(t, ComputeSHA256(tc.want).Equal(result.Digest))

			requireStored(t, mc, req.Key, tc.want)
		})
	}
}

// capturedRequest is a request as seen by a recording endpoint.
type capturedRequest struct {
	method           string
	path             string
	header           http.Header
	transferEncoding []string
	contentLength    int64
	body             []byte
}

// newRecordingEndpoint accepts every PUT and records it.
func newRecordingEndpoint(t *testing.T) (*httptest.Server, func() []capturedRequest) {
	t.Helper()

	var (
		mu       sync.Mutex
		captured []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		header := r.Header.Clone()
		header.Del("User-Agent")
		header.Del("Accept-Encoding")

		mu.Lock()
		captured = append(captured, capturedRequest{
			method:           r.Method,
			path:             r.URL.EscapedPath(),
			header:           header,
			transferEncoding: r.TransferEncoding,
			contentLength:    r.ContentLength,
			body:             body,
		})
		mu.Unlock()

		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func fixedClock() time.Time {
	return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
}

func TestSeekableWireIdenticalWithAndWithoutDigest(t *testing.T) {
	t.Parallel()

	srv, captured := newRecordingEndpoint(t)
	c := newTestClient(t, srv.URL, WithClock(fixedClock))

	for _, payload := range [][]byte{[]byte("abc"), bytes.Repeat([]byte{7}, 300_000), {}} {
		digest := ComputeSHA256(payload)

		computed, err := c.Upload(t.Context(), Request{Bucket: "b", Key: "k", Body: NewBytes(payload)})
		require.NoError(t, err)
		supplied, err := c.Upload(t.Context(), Request{Bucket: "b", Key: "k", Body: NewBytes(payload), Digest: &digest})
		require.NoError(t, err)

		require.Equal(t, DigestComputed, computed.DigestSource)
		require.Equal(t, DigestCaller, supplied.DigestSource)

		reqs := captured()
		a, b := reqs[len(reqs)-2], reqs[len(reqs)-1]
		require.Equal(t, a.header, b.header)
		require.Equal(t, a.body, b.body)
		require.Equal(t, payload, a.body)
		require.Equal(t, digest.Hex(), a.header.Get("X-Amz-Content-Sha256"))
		require.Equal(t, digest.Base64(), a.header.Get("X-Amz-Checksum-Sha256"))
		require.Equal(t, "SHA256", a.header.Get("X-Amz-Sdk-Checksum-Algorithm"))
	}
}

func TestChunkedUnknownLengthUsesTransferEncoding(t *testing.T) {
	t.Parallel()

	srv, captured := newRecordingEndpoint(t)
	c := newTestClient(t, srv.URL, WithClock(fixedClock))

	result, err := c.Upload(t.Context(), Request{
		Bucket: "b",
		Key:    "k",
		Body:   NewSinglePass(strings.NewReader("abc"), UnknownLength),
	})
	require.NoError(t, err)
	require.Equal(t, FramingChunkedSigned, result.Framing)
	require.EqualValues(t, 3, result.Size)
	require.Empty(t, result.ServerChecksum)

	reqs := captured()
	require.Len(t, reqs, 1)
	got := reqs[0]
	require.Equal(t, []string{"chunked"}, got.transferEncoding)
	require.Equal(t, StreamingPayload, got.header.Get("X-Amz-Content-Sha256"))
	require.Equal(t, "aws-chunked", got.header.Get("Content-Encoding"))
	require.Empty(t, got.header.Get("X-Amz-Decoded-Content-Length"))

	chunks := parseChunked(t, got.body)
	require.Len(t, chunks, 2)
	require.Equal(t, "abc", string(chunks[0].data))
}

func TestChunkedKnownLengthHeaders(t *testing.T) {
	t.Parallel()

	srv, captured := newRecordingEndpoint(t)
	c := newTestClient(t, srv.URL, WithClock(fixedClock), WithBufferThreshold(10), WithChunkSize(MinChunkSize))

	payload := bytes.Repeat([]byte{0x42}, 3*MinChunkSize+5)
	_, err := c.Upload(t.Context(), Request{
		Bucket: "b",
		Key:    "k",
		Body:   NewSinglePass(bytes.NewReader(payload), int64(len(payload))),
	})
	require.NoError(t, err)

	got := captured()[0]
	require.Equal(t, encodedLength(int64(len(payload)), MinChunkSize), got.contentLength)
	require.Equal(t, fmt.Sprint(len(payload)), got.header.Get("X-Amz-Decoded-Content-Length"))
	require.Len(t, parseChunked(t, got.body), 5)
}

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestPrecalculatedSignsBeforeReading(t *testing.T) {
	t.Parallel()

	endpoint, mc := newTestEndpoint(t)

	payload := bytes.Repeat([]byte{0x42}, 4*DefaultBufferThreshold)
	digest := ComputeSHA256(payload)
	src := &countingReader{r: bytes.NewReader(payload)}

	var readBeforeSend int64 = -1
	httpClient := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		readBeforeSend = src.count()
		require.NotEmpty(t, r.Header.Get("Authorization"))
		require.Equal(t, digest.Hex(), r.Header.Get("X-Amz-Content-Sha256"))
		return http.DefaultTransport.RoundTrip(r)
	})}
	c := newTestClient(t, endpoint, WithHTTPClient(httpClient))

	result, err := c.Upload(t.Context(), Request{
		Bucket: testBucket,
		Key:    "precalculated",
		Body:   NewSinglePass(src, int64(len(payload))),
		Digest: &digest,
	})
	require.NoError(t, err)
	require.Zero(t, readBeforeSend, "no body bytes may be read before the signed request is sent")
	require.Equal(t, FramingPrecalculatedSigned, result.Framing)
	require.Equal(t, digest.Base64(), result.ServerChecksum)

	requireStored(t, mc, "precalculated", payload)
}

func TestDigestMismatch(t *testing.T) {
	t.Parallel()

	endpoint, mc := newTestEndpoint(t)
	c := newTestClient(t, endpoint)
	wrong := ComputeSHA256([]byte("abd"))

	tests := []struct {
		name string
		key  string
		body BodySource
		code string
	}{
		{name: "single-pass", key: "mismatch-single", body: NewSinglePass(strings.NewReader("abc"), 3)},
		{name: "single-pass big", key: "mismatch-big", body: NewSinglePass(bytes.NewReader(bytes.Repeat([]byte{1}, 2*DefaultBufferThreshold)), 2*DefaultBufferThreshold)},
		{name: "seekable", key: "mismatch-seekable", body: NewBytes([]byte("abc")), code: "XAmzContentSHA256Mismatch"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Upload(t.Context(), Request{Bucket: testBucket, Key: tc.key, Body: tc.body, Digest: &wrong})
			require.ErrorIs(t, err, ErrIntegrity)

			var uerr *Error
			require.ErrorAs(t, err, &uerr)
			if tc.code != "" {
				require.Equal(t, tc.code, uerr.Code)
				require.Equal(t, http.StatusBadRequest, uerr.StatusCode)
			} else {
				require.ErrorIs(t, err, errDigestMismatch)
			}

			requireAbsent(t, mc, tc.key)
		})
	}
}

func TestDeclaredLengthMismatch(t *testing.T) {
	t.Parallel()

	endpoint, mc := newTestEndpoint(t)
	c := newTestClient(t, endpoint, WithBufferThreshold(0))

	_, err := c.Upload(t.Context(), Request{
		Bucket: testBucket,
		Key:    "short",
		Body:   NewSinglePass(strings.NewReader("abc"), 4),
	})
	require.ErrorIs(t, err, ErrIntegrity)
	require.ErrorIs(t, err, errLengthMismatch)

	requireAbsent(t, mc, "short")
}

func TestUploadServerErrors(t *testing.T) {
	t.Parallel()

	endpoint, _ := newTestEndpoint(t)

	badCreds := credentials.NewStaticCredentialsProvider(auth.DefaultAccessKeyID, "wrong-secret", "")
	unauthorized, err := New(endpoint, badCreds)
	require.NoError(t, err)

	tests := []struct {
		name   string
		client *Client
		bucket string
		kind   error
		code   string
		status int
		fault  smithy.ErrorFault
	}{
		{
			name:   "bad signature",
			client: unauthorized,
			bucket: testBucket,
			kind:   ErrAuthentication,
			code:   "SignatureDoesNotMatch",
			status: http.StatusForbidden,
			fault:  smithy.FaultClient,
		},
		{
			name:   "missing bucket",
			client: newTestClient(t, endpoint),
			bucket: "missing-bucket",
			kind:   ErrServer,
			code:   "NoSuchBucket",
			status: http.StatusNotFound,
			fault:  smithy.FaultClient,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, body := range []BodySource{
				NewBytes([]byte("abc")),
				NewSinglePass(strings.NewReader("abc"), UnknownLength),
			} {
				_, err := tc.client.Upload(t.Context(), Request{Bucket: tc.bucket, Key: "k", Body: body})
				require.ErrorIs(t, err, tc.kind)

				var apiErr smithy.APIError
				require.ErrorAs(t, err, &apiErr)
				require.Equal(t, tc.code, apiErr.ErrorCode())
				require.NotEmpty(t, apiErr.ErrorMessage())
				require.Equal(t, tc.fault, apiErr.ErrorFault())

				var uerr *Error
				require.ErrorAs(t, err, &uerr)
				require.Equal(t, tc.status, uerr.StatusCode)
			}
		})
	}
}

func TestUploadTransportErrors(t *testing.T) {
	t.Parallel()

	endpoint, _ := newTestEndpoint(t)
	c := newTestClient(t, endpoint)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := c.Upload(ctx, Request{Bucket: testBucket, Key: "k", Body: NewBytes([]byte("abc"))})
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, context.Canceled)

	// Nothing listens on the closed server's address.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	c = newTestClient(t, dead.URL)
	_, err = c.Upload(t.Context(), Request{Bucket: testBucket, Key: "k", Body: NewSinglePass(strings.NewReader("abc"), UnknownLength)})
	require.ErrorIs(t, err, ErrTransport)

	var apiErr smithy.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "TransportError", apiErr.ErrorCode())
}

func TestSinglePassReuseRejectedBeforeIO(t *testing.T) {
	t.Parallel()

	srv, captured := newRecordingEndpoint(t)
	c := newTestClient(t, srv.URL)

	body := NewSinglePass(strings.NewReader("abc"), 3)
	_, err := c.Upload(t.Context(), Request{Bucket: "b", Key: "k", Body: body})
	require.NoError(t, err)

	_, err = c.Upload(t.Context(), Request{Bucket: "b", Key: "k", Body: body})
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, ErrSourceConsumed)
	require.Len(t, captured(), 1)
}

func TestConcurrentUploads(t *testing.T) {
	t.Parallel()

	endpoint, mc := newTestEndpoint(t)
	c := newTestClient(t, endpoint)

	g, ctx := errgroup.WithContext(t.Context())
	for i := range 8 {
		g.Go(func() error {
			payload := bytes.Repeat([]byte{byte(i)}, 10_000*(i+1))
			var body BodySource = NewBytes(payload)
			if i%2 == 1 {
				body = NewSinglePass(bytes.NewReader(payload), UnknownLength)
			}
			_, err := c.Upload(ctx, Request{Bucket: testBucket, Key: fmt.Sprintf("concurrent/%d", i), Body: body})
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := range 8 {
		requireStored(t, mc, fmt.Sprintf("concurrent/%d", i), bytes.Repeat([]byte{byte(i)}, 10_000*(i+1)))
	}
}

func TestSharedSinglePassSourceUploadsOnce(t *testing.T) {
	t.Parallel()

	endpoint, _ := newTestEndpoint(t)
	c := newTestClient(t, endpoint)
	body := NewSinglePass(strings.NewReader("abc"), UnknownLength)

	var (
		g         errgroup.Group
		mu        sync.Mutex
		succeeded int
	)
	for range 8 {
		g.Go(func() error {
			_, err := c.Upload(t.Context(), Request{Bucket: testBucket, Key: "shared", Body: body})
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
				return nil
			case errors.Is(err, ErrSourceConsumed):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, succeeded)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		creds    aws.CredentialsProvider
		opts     []Option
	}{
		{name: "bad scheme", endpoint: "ftp://host", creds: testCredentialsProvider()},
		{name: "no host", endpoint: "http://", creds: testCredentialsProvider()},
		{name: "nil credentials", endpoint: "http://host"},
		{name: "small chunks", endpoint: "http://host", creds: testCredentialsProvider(), opts: []Option{WithChunkSize(MinChunkSize - 1)}},
		{name: "negative threshold", endpoint: "http://host", creds: testCredentialsProvider(), opts: []Option{WithBufferThreshold(-1)}},
		{name: "empty region", endpoint: "http://host", creds: testCredentialsProvider(), opts: []Option{WithRegion("")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.endpoint, tc.creds, tc.opts...)
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestObjectURL(t *testing.T) {
	t.Parallel()

	path := newTestClient(t, "http://127.0.0.1:9000")
	require.Equal(t, "http://127.0.0.1:9000/bucket/dir/a%20b%2Bc.txt", path.objectURL("bucket", "dir/a b+c.txt").String())

	virtual := newTestClient(t, "https://s3.example.com/", WithPathStyle(false))
	require.Equal(t, "https://bucket.s3.example.com/key", virtual.objectURL("bucket", "key").String())
}
