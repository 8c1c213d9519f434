package silo

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"putsum/internal/auth"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// LogRequest is middleware that logs incoming HTTP requests.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		writer := ResponseWriterWrapper{ResponseWriter: w}

		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start)

		userAttrs := slog.Group("user", "ip", r.RemoteAddr)
		requestAttrs := slog.Group("request",
			"proto", r.Proto,
			"method", r.Method,
			"url", r.URL.String(),
			"content_encoding", r.Header.Get("Content-Encoding"),
			"duration_ms", float64(elapsed.Nanoseconds())/float64(time.Millisecond),
			"status_code", writer.WrittenResponseCode,
		)

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", userAttrs, requestAttrs)
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", userAttrs, requestAttrs)
		default:
			slog.Info("Request", userAttrs, requestAttrs)
		}
	})
}

// RequireAuthentication is middleware that enforces SigV4 authentication
// for S3 API requests. The authenticated user is attached to the request
// context so streaming payloads can continue its signature chain.
func (s *Server) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.cfg.Authenticator.AuthenticateRequest(r.Context(), r)
		if err != nil {
			slog.Warn("Authentication failed", "method", r.Method, "path", r.URL.Path, "err", err)

			switch {
			case errors.Is(err, auth.ErrInvalidAccessKey):
				writeS3Error(w, "InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.", r.URL.Path, http.StatusForbidden)
			case errors.Is(err, auth.ErrSignatureMismatch):
				writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", r.URL.Path, http.StatusForbidden)
			case errors.Is(err, auth.ErrRequestTimeSkewed):
				writeS3Error(w, "RequestTimeTooSkewed", "The difference between the request time and the current time is too large.", r.URL.Path, http.StatusForbidden)
			default:
				writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replace all occurrences of "//" with "/" in the URL path
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}
		r.URL.RawPath = ""

		next.ServeHTTP(w, r)
	})
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
