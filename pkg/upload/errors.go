package upload

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/smithy-go"
)

// Error kinds. Use errors.Is to test the kind of an *Error.
var (
	// ErrConfiguration is a request that cannot be honored. It is always
	// returned before any network I/O.
	ErrConfiguration = errors.New("upload: configuration error")

	// ErrTransport is a connection, timeout or cancellation failure.
	ErrTransport = errors.New("upload: transport error")

	// ErrAuthentication is a request signature the server rejected.
	ErrAuthentication = errors.New("upload: authentication error")

	// ErrIntegrity is a payload that does not match its digest or length.
	ErrIntegrity = errors.New("upload: integrity error")

	// ErrServer is any other non-2xx response.
	ErrServer = errors.New("upload: server error")
)

var (
	errDigestMismatch = errors.New("payload digest mismatch")
	errLengthMismatch = errors.New("payload length mismatch")
)

// Error describes a failed upload.
type Error struct {
	// Kind is one of the Err* kinds above.
	Kind error

	// Op is the step that failed (e.g. "resolve", "put").
	Op string

	Bucket string
	Key    string

	// StatusCode, Code, Message and RequestID are set from the server
	// response when there was one.
	StatusCode int
	Code       string
	Message    string
	RequestID  string

	// Err is the underlying cause, if any.
	Err error
}

var _ smithy.APIError = (*Error)(nil)

func (e *Error) Error() string {
	msg := fmt.Sprintf("upload.%s %s/%s", e.Op, e.Bucket, e.Key)
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d %s", e.StatusCode, e.Code)
		if e.Message != "" {
			msg += ": " + e.Message
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ErrorCode returns the S3 error code, or a synthetic code for errors that
// did not come from a response.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	switch {
	case errors.Is(e.Kind, ErrConfiguration):
		return "ClientConfigurationError"
	case errors.Is(e.Kind, ErrTransport):
		return "TransportError"
	case errors.Is(e.Kind, ErrIntegrity):
		return "ClientIntegrityError"
	default:
		return "UnknownError"
	}
}

func (e *Error) ErrorMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Error()
}

func (e *Error) ErrorFault() smithy.ErrorFault {
	switch {
	case e.StatusCode >= 500:
		return smithy.FaultServer
	case e.StatusCode >= 400, errors.Is(e.Kind, ErrConfiguration), errors.Is(e.Kind, ErrIntegrity):
		return smithy.FaultClient
	default:
		return smithy.FaultUnknown
	}
}

func configError(op, bucket, key string, err error) *Error {
	return &Error{Kind: ErrConfiguration, Op: op, Bucket: bucket, Key: key, Err: err}
}

func transportError(op, bucket, key string, err error) *Error {
	return &Error{Kind: ErrTransport, Op: op, Bucket: bucket, Key: key, Err: err}
}

func integrityError(op, bucket, key string, err error) *Error {
	return &Error{Kind: ErrIntegrity, Op: op, Bucket: bucket, Key: key, Err: err}
}

// s3ErrorBody is the XML error document returned by S3.
type s3ErrorBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// responseError converts a non-2xx response into an *Error.
func responseError(op, bucket, key string, resp *http.Response) *Error {
	e := &Error{
		Op:         op,
		Bucket:     bucket,
		Key:        key,
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Amz-Request-Id"),
	}

	var body s3ErrorBody
	if data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); err == nil && len(data) > 0 {
		if err := xml.Unmarshal(data, &body); err == nil {
			e.Code = body.Code
			e.Message = body.Message
			if body.RequestID != "" {
				e.RequestID = body.RequestID
			}
		}
	}
	if e.Code == "" {
		e.Code = http.StatusText(resp.StatusCode)
	}

	e.Kind = ClassifyCode(resp.StatusCode, e.Code)
	return e
}

// ClassifyCode maps a response status and S3 error code to an error kind.
func ClassifyCode(status int, code string) error {
	switch code {
	case "BadDigest", "XAmzContentSHA256Mismatch", "InvalidDigest", "IncompleteBody":
		return ErrIntegrity
	case "SignatureDoesNotMatch", "InvalidAccessKeyId", "AccessDenied", "RequestTimeTooSkewed", "ExpiredToken", "InvalidToken":
		return ErrAuthentication
	}
	if status == http.StatusForbidden {
		return ErrAuthentication
	}
	return ErrServer
}
