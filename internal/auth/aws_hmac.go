package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	AWSv4Prefix     = "AWS4-HMAC-SHA256 "
	AmzDateFormat   = "20060102T150405Z"
	ShortDateFormat = "20060102"

	// StreamingPayload is the X-Amz-Content-Sha256 value announcing an
	// aws-chunked body whose chunks are individually signed.
	StreamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	UnsignedPayload  = "UNSIGNED-PAYLOAD"

	chunkAlgorithm = "AWS4-HMAC-SHA256-PAYLOAD"
)

// emptySHA256 is the hex SHA-256 of the empty string.
var emptySHA256 = hex.EncodeToString(sha256.New().Sum(nil))

type AwsHmacAuthEngine struct {
	AccessKeyID     string
	SecretAccessKey string

	// MaxSkew bounds the distance between X-Amz-Date and Now. Zero disables
	// the check.
	MaxSkew time.Duration
	Now     func() time.Time
}

// NewAwsHmacAuthEngine creates a new AwsHmacAuthEngine with the given access
// key ID and secret access key. Empty values fall back to the defaults.
func NewAwsHmacAuthEngine(accessKeyID, secretAccessKey string) *AwsHmacAuthEngine {
	if accessKeyID == "" {
		accessKeyID = DefaultAccessKeyID
	}
	if secretAccessKey == "" {
		secretAccessKey = DefaultSecretAccessKey
	}
	return &AwsHmacAuthEngine{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		MaxSkew:         15 * time.Minute,
		Now:             time.Now,
	}
}

// SigningContext is the state derived while verifying a request signature.
// Chunk signatures of a streaming payload chain off Seed.
type SigningContext struct {
	Key     []byte
	AmzDate string
	Scope   string
	Seed    string
}

// ChunkSignature returns the hex signature of a single aws-chunked chunk
// given the signature of the previous chunk (or the seed for the first one).
func (c SigningContext) ChunkSignature(previous string, chunk []byte) string {
	sum := sha256.Sum256(chunk)
	return c.SignChunkHash(previous, hex.EncodeToString(sum[:]))
}

// SignChunkHash is ChunkSignature for a chunk whose hex SHA-256 is already
// known, so payloads can be verified without holding a chunk in memory.
func (c SigningContext) SignChunkHash(previous string, chunkHashHex string) string {
	stringToSign := strings.Join([]string{
		chunkAlgorithm,
		c.AmzDate,
		c.Scope,
		previous,
		emptySHA256,
		chunkHashHex,
	}, "\n")
	return hex.EncodeToString(HmacSHA256(c.Key, stringToSign))
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsURLEncode(k, true)+"="+awsURLEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// BuildCanonicalRequest assembles the SigV4 canonical request for r. S3 does
// not double-encode the path, so the escaped path is used verbatim.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	canonicalURI := r.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	lowerNames := make([]string, 0, len(signedHeaderNames))
	for _, h := range signedHeaderNames {
		if name := strings.ToLower(strings.TrimSpace(h)); name != "" {
			lowerNames = append(lowerNames, name)
		}
	}

	var hdr strings.Builder
	for _, name := range lowerNames {
		var value string
		switch name {
		case "host":
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		case "content-length":
			// net/http moves the length out of the header map.
			if r.ContentLength >= 0 {
				value = strconv.FormatInt(r.ContentLength, 10)
			} else {
				value = r.Header.Get(name)
			}
		default:
			var values []string
			for _, v := range r.Header.Values(name) {
				values = append(values, canonicalHeaderValue(v))
			}
			value = strings.Join(values, ",")
		}
		hdr.WriteString(name)
		hdr.WriteString(":")
		hdr.WriteString(canonicalHeaderValue(value))
		hdr.WriteString("\n")
	}

	return strings.Join([]string{
		r.Method,
		canonicalURI,
		canonicalQueryString(r.URL),
		hdr.String(),
		strings.Join(lowerNames, ";"),
		payloadHash,
	}, "\n")
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the SigV4 signing key for a date, region and service.
func SigningKey(secret, dateStamp, region, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, "aws4_request")
}

// StringToSign builds the request-level string to sign.
func StringToSign(amzDate, scope, canonicalRequest string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(crHash[:]),
	}, "\n")
}

type authorization struct {
	accessKeyID   string
	dateStamp     string
	region        string
	service       string
	signedHeaders []string
	signature     string
}

func parseAuthorization(header string) (authorization, bool) {
	if !strings.HasPrefix(header, AWSv4Prefix) {
		return authorization{}, false
	}

	kv := make(map[string]string)
	for _, p := range strings.Split(strings.TrimPrefix(header, AWSv4Prefix), ",") {
		p = strings.TrimSpace(p)
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		kv[p[:idx]] = strings.TrimSpace(p[idx+1:])
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signature, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return authorization{}, false
	}

	credParts := strings.Split(credStr, "/")
	if len(credParts) != 5 || credParts[4] != "aws4_request" {
		return authorization{}, false
	}
	if credParts[2] == "" || credParts[3] == "" {
		return authorization{}, false
	}

	return authorization{
		accessKeyID:   credParts[0],
		dateStamp:     credParts[1],
		region:        credParts[2],
		service:       credParts[3],
		signedHeaders: strings.Split(signedHeadersStr, ";"),
		signature:     signature,
	}, true
}

// AuthenticateRequest verifies the AWS Signature Version 4 Authorization
// header of r. On success the returned User carries the signing context of
// the request.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingAuth
	}
	if !strings.HasPrefix(header, AWSv4Prefix) {
		return nil, ErrUnsupportedSigning
	}

	a, ok := parseAuthorization(header)
	if !ok {
		return nil, ErrMissingAuth
	}
	if a.accessKeyID != e.AccessKeyID {
		return nil, ErrInvalidAccessKey
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return nil, ErrMissingAuth
	}
	signedAt, err := time.Parse(AmzDateFormat, amzDate)
	if err != nil || !strings.HasPrefix(amzDate, a.dateStamp) {
		return nil, ErrMissingAuth
	}
	if e.MaxSkew > 0 && e.Now != nil {
		skew := e.Now().Sub(signedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > e.MaxSkew {
			return nil, ErrRequestTimeSkewed
		}
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		return nil, ErrMissingAuth
	}

	scope := strings.Join([]string{a.dateStamp, a.region, a.service, "aws4_request"}, "/")
	canonicalReq := BuildCanonicalRequest(r, a.signedHeaders, payloadHash)
	key := SigningKey(e.SecretAccessKey, a.dateStamp, a.region, a.service)
	computed := HmacSHA256(key, StringToSign(amzDate, scope, canonicalReq))

	decoded, err := hex.DecodeString(a.signature)
	if err != nil || !hmac.Equal(computed, decoded) {
		return nil, ErrSignatureMismatch
	}

	return &User{
		AccessKeyID: a.accessKeyID,
		Signing: SigningContext{
			Key:     key,
			AmzDate: amzDate,
			Scope:   scope,
			Seed:    a.signature,
		},
	}, nil
}
