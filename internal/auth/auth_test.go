package auth_test

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"putsum/internal/auth"

	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "siloadmin"
	SecretAccessKey = "siloadmin"
)

var signingTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newEngine() *auth.AwsHmacAuthEngine {
	e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)
	e.Now = func() time.Time { return signingTime }
	return e
}

func signRequestSigV4(t *testing.T, r *http.Request, payloadHash string) string {
	t.Helper()

	const (
		region  = "us-east-1"
		service = "s3"
	)

	amzDate := signingTime.Format(auth.AmzDateFormat)
	dateStamp := signingTime.Format(auth.ShortDateFormat)

	r.Header.Set("X-Amz-Content-Sha256", payloadHash)
	r.Header.Set("X-Amz-Date", amzDate)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonicalReq := auth.BuildCanonicalRequest(r, signedHeaders, payloadHash)

	scope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	key := auth.SigningKey(SecretAccessKey, dateStamp, region, service)
	sigHex := hex.EncodeToString(auth.HmacSHA256(key, auth.StringToSign(amzDate, scope, canonicalReq)))

	r.Header.Set("Authorization", strings.Join([]string{
		"AWS4-HMAC-SHA256 Credential=" + AccessKeyID + "/" + scope,
		"SignedHeaders=host;x-amz-content-sha256;x-amz-date",
		"Signature=" + sigHex,
	}, ", "))
	return sigHex
}

func TestRequireAuthentication_AWSSigV4_Succeeds(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	seed := signRequestSigV4(t, req, auth.UnsignedPayload)

	user, err := newEngine().AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "expected AWS SigV4 authentication to succeed")
	require.NotNil(t, user, "expected non-nil user from successful AWS SigV4 authentication")
	require.Equal(t, AccessKeyID, user.AccessKeyID)
	require.Equal(t, seed, user.Signing.Seed)
	require.Equal(t, "20250101/us-east-1/s3/aws4_request", user.Signing.Scope)
}

func TestRequireAuthentication_AWSSigV4_InvalidSignature(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req, auth.UnsignedPayload)

	// Corrupt the signature.
	req.Header.Set("Authorization", req.Header.Get("Authorization")+"0")

	user, err := newEngine().AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureMismatch)
	require.Nil(t, user, "expected nil user from failed AWS SigV4 authentication")
}

func TestRequireAuthentication_UnknownAccessKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req, auth.UnsignedPayload)

	e := newEngine()
	e.AccessKeyID = "someone-else"

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrInvalidAccessKey)
}

func TestRequireAuthentication_TimeSkew(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req, auth.UnsignedPayload)

	e := newEngine()
	e.Now = func() time.Time { return signingTime.Add(time.Hour) }

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrRequestTimeSkewed)
}

func TestRequireAuthentication_MissingHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	_, err := newEngine().AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrMissingAuth)
}

func TestChunkSignatureChain(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodPut, "http://example.com/bucket/key", nil)
	seed := signRequestSigV4(t, req, auth.StreamingPayload)

	user, err := newEngine().AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)

	// Independent computation of the first chunk signature.
	key := auth.SigningKey(SecretAccessKey, "20250101", "us-east-1", "s3")
	emptyHash := sha256.Sum256(nil)
	chunkHash := sha256.Sum256([]byte("hello"))
	want := hex.EncodeToString(auth.HmacSHA256(key, strings.Join([]string{
		"AWS4-HMAC-SHA256-PAYLOAD",
		"20250101T000000Z",
		"20250101/us-east-1/s3/aws4_request",
		seed,
		hex.EncodeToString(emptyHash[:]),
		hex.EncodeToString(chunkHash[:]),
	}, "\n")))

	first := user.Signing.ChunkSignature(seed, []byte("hello"))
	require.Equal(t, want, first)

	// The final chunk chains off the first and differs from it.
	final := user.Signing.ChunkSignature(first, nil)
	require.NotEqual(t, first, final)
	require.Len(t, final, 64)
}
