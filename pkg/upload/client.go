package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// DefaultChunkSize is the default aws-chunked chunk size.
	DefaultChunkSize = 64 << 10

	// MinChunkSize is the smallest chunk S3 accepts in a signed chunked
	// upload, except for the final chunk.
	MinChunkSize = 8 << 10

	// DefaultBufferThreshold is the largest single-pass body without a
	// digest that is read into memory to compute one.
	DefaultBufferThreshold = 1 << 20
)

// Request is a single PutObject.
type Request struct {
	Bucket string
	Key    string
	Body   BodySource

	// Digest is an optional precalculated SHA-256 of Body. It is sent as
	// given and never replaced.
	Digest *Digest

	// ContentLength optionally declares the body length.
	ContentLength *int64

	ContentType string
	Metadata    map[string]string
}

// Result describes a completed upload.
type Result struct {
	Bucket       string
	Key          string
	ETag         string
	Framing      Framing
	Digest       Digest
	DigestSource DigestSource

	// ServerChecksum is the base64 SHA-256 the server reported, if any.
	ServerChecksum string

	Size int64
}

// Client uploads objects to an S3-compatible endpoint.
type Client struct {
	endpoint   *url.URL
	creds      aws.CredentialsProvider
	region     string
	pathStyle  bool
	chunkSize  int
	threshold  int64
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger
	signer     *v4.Signer
}

// Option configures a Client.
type Option func(*Client)

// WithRegion sets the signing region. Default is us-east-1.
func WithRegion(region string) Option {
	return func(c *Client) {
		c.region = region
	}
}

// WithPathStyle selects path-style (endpoint/bucket/key) addressing when
// true and virtual-hosted (bucket.endpoint/key) addressing when false.
// Default is true.
func WithPathStyle(pathStyle bool) Option {
	return func(c *Client) {
		c.pathStyle = pathStyle
	}
}

// WithChunkSize sets the aws-chunked chunk size. It must be at least
// MinChunkSize.
func WithChunkSize(size int) Option {
	return func(c *Client) {
		c.chunkSize = size
	}
}

// WithBufferThreshold sets the largest single-pass body without a digest
// that is buffered instead of sent chunked.
func WithBufferThreshold(threshold int64) Option {
	return func(c *Client) {
		c.threshold = threshold
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns a Client for the endpoint, e.g. "http://127.0.0.1:9000".
func New(endpoint string, creds aws.CredentialsProvider, opts ...Option) (*Client, error) {
	c := &Client{
		region:     DefaultRegion,
		pathStyle:  true,
		chunkSize:  DefaultChunkSize,
		threshold:  DefaultBufferThreshold,
		httpClient: http.DefaultClient,
		now:        time.Now,
		logger:     slog.Default(),
		creds:      creds,
	}
	for _, opt := range opts {
		opt(c)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, configError("new", "", "", fmt.Errorf("parse endpoint: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, configError("new", "", "", fmt.Errorf("endpoint %q must be an http or https URL", endpoint))
	}
	if u.Host == "" {
		return nil, configError("new", "", "", fmt.Errorf("endpoint %q has no host", endpoint))
	}
	c.endpoint = u

	switch {
	case c.creds == nil:
		return nil, configError("new", "", "", errors.New("credentials provider must not be nil"))
	case c.region == "":
		return nil, configError("new", "", "", errors.New("region must not be empty"))
	case c.chunkSize < MinChunkSize:
		return nil, configError("new", "", "", fmt.Errorf("chunk size %d is below the minimum of %d", c.chunkSize, MinChunkSize))
	case c.threshold < 0:
		return nil, configError("new", "", "", fmt.Errorf("buffer threshold %d is negative", c.threshold))
	case c.httpClient == nil:
		return nil, configError("new", "", "", errors.New("http client must not be nil"))
	case c.logger == nil:
		return nil, configError("new", "", "", errors.New("logger must not be nil"))
	}

	c.signer = newSigner()
	return c, nil
}

// Threshold returns the configured buffering threshold.
func (c *Client) Threshold() int64 {
	return c.threshold
}

// objectURL returns the URL of bucket/key for the configured addressing
// style.
func (c *Client) objectURL(bucket, key string) *url.URL {
	u := *c.endpoint
	base := strings.TrimSuffix(u.Path, "/")

	if c.pathStyle {
		u.Path = base + "/" + bucket + "/" + key
		u.RawPath = base + "/" + bucket + "/" + escapeKey(key)
	} else {
		u.Host = bucket + "." + u.Host
		u.Path = base + "/" + key
		u.RawPath = base + "/" + escapeKey(key)
	}
	u.RawQuery = ""
	return &u
}

// escapeKey percent-encodes everything in an object key except unreserved
// characters and slashes.
func escapeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		ch := key[i]
		if ch == '/' || ch == '-' || ch == '_' || ch == '.' || ch == '~' ||
			('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ('0' <= ch && ch <= '9') {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", ch)
	}
	return b.String()
}

// prepared is a request ready to be signed and sent.
type prepared struct {
	body          io.Reader
	getBody       func() (io.ReadCloser, error)
	contentLength int64
	digest        Digest
	verify        *digestReader
}

// Upload performs a single PutObject for req.
//
// The transfer framing is resolved before any I/O; see ResolveFraming.
// Errors are *Error values and are never retried.
func (c *Client) Upload(ctx context.Context, req Request) (*Result, error) {
	plan, err := ResolveFraming(req, c.threshold)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With("bucket", req.Bucket, "key", req.Key)
	logger.Debug("Resolved transfer framing",
		"framing", plan.Framing,
		"size", plan.Size,
		"digest_source", plan.DigestSource,
	)

	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, configError("credentials", req.Bucket, req.Key, err)
	}

	if plan.Framing == FramingChunkedSigned {
		return c.uploadChunked(ctx, req, plan, creds, logger)
	}

	p, err := c.prepareFixed(req, plan)
	if err != nil {
		return nil, err
	}

	signingTime := c.now().UTC()
	httpReq, err := c.newRequest(ctx, req, p.body, p.contentLength)
	if err != nil {
		return nil, err
	}
	httpReq.GetBody = p.getBody
	httpReq.Header.Set(headerChecksumSHA256, p.digest.Base64())
	httpReq.Header.Set(headerSDKChecksumAlgorithm, string(SHA256))

	if err := c.signRequest(ctx, httpReq, creds, p.digest.Hex(), signingTime); err != nil {
		return nil, configError("sign", req.Bucket, req.Key, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if p.verify != nil {
			if verr := p.verify.failure(); verr != nil {
				return nil, integrityError("put", req.Bucket, req.Key, verr)
			}
		}
		return nil, transportError("put", req.Bucket, req.Key, err)
	}
	defer resp.Body.Close()

	if p.verify != nil {
		if verr := p.verify.failure(); verr != nil {
			return nil, integrityError("put", req.Bucket, req.Key, verr)
		}
	}

	result, err := c.finish(req, plan, resp, p.digest)
	if err != nil {
		return nil, err
	}
	logger.Info("Upload finished", "framing", plan.Framing, "size", result.Size, "etag", result.ETag)
	return result, nil
}

// prepareFixed resolves the body and digest of a Buffered or
// PrecalculatedSigned upload. Only single-pass bodies that were planned for
// materialization are read here.
func (c *Client) prepareFixed(req Request, plan Plan) (*prepared, error) {
	switch body := req.Body.(type) {
	case *Seekable:
		p := &prepared{contentLength: plan.Size}
		if plan.Digest != nil {
			p.digest = *plan.Digest
		} else {
			r, err := body.open()
			if err != nil {
				return nil, configError("digest", req.Bucket, req.Key, err)
			}
			hr := newHashReader(r)
			if _, err := io.Copy(io.Discard, hr); err != nil {
				return nil, transportError("digest", req.Bucket, req.Key, fmt.Errorf("read body: %w", err))
			}
			if hr.n != plan.Size {
				return nil, integrityError("digest", req.Bucket, req.Key, fmt.Errorf("%w: read %d of %d bytes", errLengthMismatch, hr.n, plan.Size))
			}
			p.digest = hr.digest()
		}

		r, err := body.open()
		if err != nil {
			return nil, configError("open", req.Bucket, req.Key, err)
		}
		p.body = r
		p.getBody = func() (io.ReadCloser, error) {
			r, err := body.open()
			if err != nil {
				return nil, err
			}
			return io.NopCloser(r), nil
		}
		return p, nil

	case *SinglePass:
		src, err := body.claim()
		if err != nil {
			return nil, configError("open", req.Bucket, req.Key, err)
		}

		if plan.Framing == FramingPrecalculatedSigned {
			verify := newDigestReader(src, plan.Size, *plan.Digest)
			return &prepared{
				body:          verify,
				contentLength: plan.Size,
				digest:        *plan.Digest,
				verify:        verify,
			}, nil
		}

		data, err := io.ReadAll(io.LimitReader(src, plan.Size+1))
		if err != nil {
			return nil, transportError("read", req.Bucket, req.Key, fmt.Errorf("read body: %w", err))
		}
		if int64(len(data)) != plan.Size {
			return nil, integrityError("read", req.Bucket, req.Key, fmt.Errorf("%w: source yielded %d bytes, declared %d", errLengthMismatch, len(data), plan.Size))
		}
		return &prepared{
			body:          bytes.NewReader(data),
			contentLength: plan.Size,
			digest:        ComputeSHA256(data),
			getBody: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(data)), nil
			},
		}, nil

	default:
		return nil, configError("open", req.Bucket, req.Key, fmt.Errorf("unsupported body source %T", req.Body))
	}
}

// uploadChunked sends a single-pass body with aws-chunked signed framing.
func (c *Client) uploadChunked(ctx context.Context, req Request, plan Plan, creds aws.Credentials, logger *slog.Logger) (*Result, error) {
	body, ok := req.Body.(*SinglePass)
	if !ok {
		return nil, configError("open", req.Bucket, req.Key, fmt.Errorf("chunked framing requires a single-pass body, got %T", req.Body))
	}
	src, err := body.claim()
	if err != nil {
		return nil, configError("open", req.Bucket, req.Key, err)
	}

	signingTime := c.now().UTC()

	contentLength := int64(-1)
	if plan.Size != UnknownLength {
		contentLength = encodedLength(plan.Size, c.chunkSize)
	}

	// The encoder is attached after signing; it needs the request signature.
	httpReq, err := c.newRequest(ctx, req, http.NoBody, contentLength)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Encoding", "aws-chunked")
	if plan.Size != UnknownLength {
		httpReq.Header.Set(headerDecodedContentLength, strconv.FormatInt(plan.Size, 10))
	}

	if err := c.signRequest(ctx, httpReq, creds, StreamingPayload, signingTime); err != nil {
		return nil, configError("sign", req.Bucket, req.Key, err)
	}
	seed, err := seedSignature(httpReq)
	if err != nil {
		return nil, configError("sign", req.Bucket, req.Key, err)
	}

	enc := newChunkEncoder(ctx, src, newStreamSigner(creds, c.region, seed), signingTime, plan.Size, c.chunkSize)
	httpReq.Body = io.NopCloser(enc)
	httpReq.GetBody = nil
	httpReq.ContentLength = contentLength

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if _, _, _, encErr := enc.state(); errors.Is(encErr, errLengthMismatch) {
			return nil, integrityError("put", req.Bucket, req.Key, encErr)
		}
		return nil, transportError("put", req.Bucket, req.Key, err)
	}
	defer resp.Body.Close()

	chunks, size, streamed, encErr := enc.state()
	switch {
	case errors.Is(encErr, errLengthMismatch):
		return nil, integrityError("put", req.Bucket, req.Key, encErr)
	case encErr != nil:
		return nil, transportError("put", req.Bucket, req.Key, encErr)
	}
	logger.Debug("Sent chunked body", "chunks", chunks, "size", size)

	result, err := c.finish(req, plan, resp, streamed)
	if err != nil {
		return nil, err
	}
	result.Size = size
	logger.Info("Upload finished", "framing", plan.Framing, "size", result.Size, "etag", result.ETag)
	return result, nil
}

func (c *Client) newRequest(ctx context.Context, req Request, body io.Reader, contentLength int64) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(req.Bucket, req.Key).String(), body)
	if err != nil {
		return nil, configError("request", req.Bucket, req.Key, err)
	}
	httpReq.ContentLength = contentLength
	if contentLength == 0 {
		httpReq.Body = http.NoBody
	}

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Metadata {
		httpReq.Header.Set(headerMetaPrefix+k, v)
	}
	return httpReq, nil
}

// finish interprets the response of a PUT.
func (c *Client) finish(req Request, plan Plan, resp *http.Response, sent Digest) (*Result, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError("put", req.Bucket, req.Key, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	result := &Result{
		Bucket:         req.Bucket,
		Key:            req.Key,
		ETag:           resp.Header.Get("ETag"),
		Framing:        plan.Framing,
		Digest:         sent,
		DigestSource:   plan.DigestSource,
		ServerChecksum: resp.Header.Get(headerChecksumSHA256),
		Size:           plan.Size,
	}

	if result.ServerChecksum != "" {
		reported, err := DigestFromBase64(result.ServerChecksum)
		if err != nil {
			return nil, integrityError("put", req.Bucket, req.Key, fmt.Errorf("server checksum %q: %w", result.ServerChecksum, err))
		}
		if !reported.Equal(sent) {
			return nil, integrityError("put", req.Bucket, req.Key, fmt.Errorf("%w: server stored %s, sent %s", errDigestMismatch, reported.Base64(), sent.Base64()))
		}
	}

	return result, nil
}
