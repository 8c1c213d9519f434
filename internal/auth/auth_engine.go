package auth

import (
	"context"
	"errors"
	"net/http"
)

const (
	DefaultAccessKeyID     = "siloadmin"
	DefaultSecretAccessKey = "siloadmin"
)

var (
	ErrMissingAuth        = errors.New("auth: missing or malformed authorization")
	ErrInvalidAccessKey   = errors.New("auth: unknown access key")
	ErrSignatureMismatch  = errors.New("auth: signature does not match")
	ErrRequestTimeSkewed  = errors.New("auth: request time too skewed")
	ErrUnsupportedSigning = errors.New("auth: unsupported signing algorithm")
)

// User is the identity established for an authenticated request.
type User struct {
	AccessKeyID string

	// Signing holds the derived signing state of the request. It is needed
	// to verify the signatures of aws-chunked payload chunks.
	Signing SigningContext
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns a User object;
	// otherwise it returns one of the package errors describing why the
	// request was rejected.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

type userKey struct{}

// WithUser returns a copy of ctx carrying the authenticated user.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user stored by WithUser, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey{}).(*User)
	return user, ok && user != nil
}
