package silo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"putsum/internal/auth"

	_ "github.com/mattn/go-sqlite3"
)

const (
	HeaderContentSHA256        = "X-Amz-Content-Sha256"
	HeaderDecodedContentLength = "X-Amz-Decoded-Content-Length"
	HeaderChecksumSHA256       = "X-Amz-Checksum-Sha256"
	HeaderChecksumMode         = "X-Amz-Checksum-Mode"
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
)

// Server provides a minimal S3-compatible HTTP API.
type Server struct {
	cfg Config
	db  *sql.DB
}

// initSchema initializes the metadata database schema by applying all
// SQL files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("migration %s: %w", path, execError)
		}
		return nil
	})
}

// NewServer initializes the metadata database and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "metadata.sqlite")

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY under concurrent uploads.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Engine == nil {
		cfg.Engine = NewLocalFileStorage(cfg.DataDir)
	}

	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewAwsHmacAuthEngine(cfg.AccessKeyID, cfg.SecretAccessKey)
	}

	return &Server{cfg: cfg, db: db}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

// Region returns the region the server reports for its buckets.
func (s *Server) Region() string {
	return s.cfg.Region
}

// bucketExists checks whether a bucket with the given name exists.
func (s *Server) bucketExists(ctx context.Context, bucket string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, bucket).Scan(&count); err != nil {
		return false, err
	}

	return count > 0, nil
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

// isValidBucketName implements the standard S3 bucket naming rules.
func isValidBucketName(name string) bool {
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return false
	}

	// Bucket name must not be formatted as an IPv4 address.
	return net.ParseIP(name) == nil
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// validateObjectKeyOrError writes an S3-style error for invalid object keys.
func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if !isValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

// ------ Bucket handlers ------

func (s *Server) handleCreateBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, created_at) VALUES(?, ?)`,
		bucket, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("Create bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeadBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Check bucket exists", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	w.Header().Set("X-Amz-Bucket-Region", s.cfg.Region)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBucketLocation(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Check bucket exists", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	// us-east-1 is reported as an empty constraint.
	region := s.cfg.Region
	if region == "us-east-1" {
		region = ""
	}
	if err := writeXMLResponse(w, LocationConstraint{XMLNS: s3XMLNamespace, Region: region}); err != nil {
		slog.Error("Encode location xml", "bucket", bucket, "err", err)
	}
}

func (s *Server) handleDeleteBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Check bucket exists", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&count); err != nil {
		slog.Error("Count bucket objects", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if count > 0 {
		writeS3Error(w, "BucketNotEmpty", "The bucket you tried to delete is not empty.", r.URL.Path, http.StatusConflict)
		return
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, bucket); err != nil {
		slog.Error("Delete bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if err := s.cfg.Engine.DeleteBucket(bucket); err != nil {
		slog.Warn("Delete bucket payloads", "bucket", bucket, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBuckets(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at FROM buckets ORDER BY name`)
	if err != nil {
		slog.Error("List buckets", "err", err)
		writeInternalError(w, r)
		return
	}
	defer rows.Close()

	resp := ListAllMyBucketsResult{
		XMLNS: s3XMLNamespace,
		Owner: ListAllMyBucketsOwner{ID: "silo", DisplayName: "silo"},
	}
	for rows.Next() {
		var (
			name      string
			createdAt time.Time
		)
		if err := rows.Scan(&name, &createdAt); err != nil {
			slog.Error("Scan bucket", "err", err)
			continue
		}
		resp.Buckets = append(resp.Buckets, ListAllMyBucketsEntry{
			Name:         name,
			CreationDate: createdAt.UTC().Format(time.RFC3339),
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets xml", "err", err)
	}
}

// handleListObjects implements a simplified ListObjects / ListObjectsV2 for
// a single bucket: GET /bucket[?list-type=2&prefix=&max-keys=].
func (s *Server) handleListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Check bucket exists", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	maxKeys := 1000
	if raw := q.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 && v < maxKeys {
			maxKeys = v
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, hash, size, modified_at FROM objects
		 WHERE bucket = ? AND substr(key, 1, length(?)) = ?
		 ORDER BY key LIMIT ?`,
		bucket, prefix, prefix, maxKeys+1,
	)
	if err != nil {
		slog.Error("List objects", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	defer rows.Close()

	var summaries []ObjectSummary
	for rows.Next() {
		var (
			key        string
			hashHex    string
			size       int64
			modifiedAt time.Time
		)
		if err := rows.Scan(&key, &hashHex, &size, &modifiedAt); err != nil {
			slog.Error("Scan object", "bucket", bucket, "err", err)
			continue
		}
		summaries = append(summaries, ObjectSummary{
			Key:          key,
			LastModified: modifiedAt.UTC().Format(time.RFC3339),
			ETag:         createETag(hashHex),
			Size:         size,
			StorageClass: "STANDARD",
		})
	}

	resp := ListBucketResult{
		XMLNS:   s3XMLNamespace,
		Name:    bucket,
		Prefix:  prefix,
		MaxKeys: maxKeys,
	}
	if len(summaries) > maxKeys {
		resp.IsTruncated = true
		summaries = summaries[:maxKeys]
	}
	resp.Contents = summaries
	if q.Get("list-type") == "2" {
		keyCount := len(summaries)
		resp.KeyCount = &keyCount
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects xml", "bucket", bucket, "err", err)
	}
}

// ------ Object handlers ------

// objectMetadata is the persisted metadata of a single object.
type objectMetadata struct {
	hashHex        string
	size           int64
	contentType    sql.NullString
	checksumSHA256 string
	modifiedAt     time.Time
}

func (s *Server) lookupObjectMetadata(ctx context.Context, bucket, key string) (objectMetadata, error) {
	var meta objectMetadata
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, size, content_type, checksum_sha256, modified_at FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&meta.hashHex, &meta.size, &meta.contentType, &meta.checksumSHA256, &meta.modifiedAt)
	return meta, err
}

// receivedPayload is an uploaded body spooled to a temporary file.
type receivedPayload struct {
	path string
	size int64
	sum  []byte
}

// payloadError is a request-level failure while receiving an upload.
type payloadError struct {
	code    string
	message string
	status  int
}

func (e *payloadError) Error() string {
	return e.code + ": " + e.message
}

// receivePayload spools the request body to a temp file, decoding
// aws-chunked bodies and verifying every integrity claim the request makes.
// Nothing is stored unless all checks pass.
func (s *Server) receivePayload(r *http.Request, tmp *os.File) (receivedPayload, error) {
	contentSHA := r.Header.Get(HeaderContentSHA256)

	var (
		size int64
		sum  []byte
		err  error
	)

	switch {
	case strings.EqualFold(contentSHA, auth.StreamingPayload):
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			return receivedPayload{}, &payloadError{"AccessDenied", "Streaming payloads require a signed request.", http.StatusForbidden}
		}
		if !strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
			slog.Debug("Streaming payload without aws-chunked content encoding")
		}

		size, sum, err = decodeStreamingPayload(tmp, r.Body, &user.Signing)
		if errors.Is(err, errChunkSignature) {
			return receivedPayload{}, &payloadError{"SignatureDoesNotMatch", "The chunk signature we calculated does not match the signature you provided.", http.StatusForbidden}
		}
		if err != nil {
			slog.Error("Decode streaming payload", "err", err)
			return receivedPayload{}, &payloadError{"IncompleteBody", "Failed to decode streaming payload.", http.StatusBadRequest}
		}

		if raw := r.Header.Get(HeaderDecodedContentLength); raw != "" {
			decodedLen, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil || decodedLen < 0 {
				return receivedPayload{}, &payloadError{"InvalidRequest", "Invalid X-Amz-Decoded-Content-Length.", http.StatusBadRequest}
			}
			if decodedLen != size {
				return receivedPayload{}, &payloadError{"IncompleteBody", "You did not provide the number of bytes specified by the X-Amz-Decoded-Content-Length header.", http.StatusBadRequest}
			}
		}

	default:
		h := sha256.New()
		size, err = io.Copy(io.MultiWriter(tmp, h), r.Body)
		if err != nil {
			slog.Error("Read request body", "err", err)
			return receivedPayload{}, &payloadError{"IncompleteBody", "Failed to read request body.", http.StatusBadRequest}
		}
		sum = h.Sum(nil)

		if contentSHA != "" && !strings.EqualFold(contentSHA, auth.UnsignedPayload) {
			if !strings.EqualFold(contentSHA, hex.EncodeToString(sum)) {
				return receivedPayload{}, &payloadError{"XAmzContentSHA256Mismatch", "The provided 'x-amz-content-sha256' header does not match what was computed.", http.StatusBadRequest}
			}
		}
	}

	if claimed := r.Header.Get(HeaderChecksumSHA256); claimed != "" {
		decoded, err := base64.StdEncoding.DecodeString(claimed)
		if err != nil || len(decoded) != sha256.Size {
			return receivedPayload{}, &payloadError{"InvalidDigest", "Value for x-amz-checksum-sha256 header is invalid.", http.StatusBadRequest}
		}
		if !bytesEqual(decoded, sum) {
			return receivedPayload{}, &payloadError{"BadDigest", "The SHA256 you specified did not match the calculated checksum.", http.StatusBadRequest}
		}
	}

	return receivedPayload{path: tmp.Name(), size: size, sum: sum}, nil
}

func bytesEqual(a, b []byte) bool {
	return len(a) == len(b) && string(a) == string(b)
}

// handlePutObject implements PUT /bucket/key to store an object.
func (s *Server) handlePutObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}
	defer r.Body.Close()

	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Check bucket exists", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	tmp, err := os.CreateTemp(filepath.Join(s.cfg.DataDir, "tmp"), "upload-*")
	if err != nil {
		slog.Error("Create temp upload file", "err", err)
		writeInternalError(w, r)
		return
	}
	defer func() {
		_ = tmp.Close()

		// Best-effort cleanup of the temporary file; if the storage engine
		// moved it into place this just fails with ENOENT.
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove temp upload file", "path", tmp.Name(), "err", err)
		}
	}()

	payload, err := s.receivePayload(r, tmp)
	if err != nil {
		var perr *payloadError
		if errors.As(err, &perr) {
			slog.Warn("Rejected object upload", "bucket", bucket, "key", key, "code", perr.code)
			writeS3Error(w, perr.code, perr.message, r.URL.Path, perr.status)
			return
		}
		writeInternalError(w, r)
		return
	}
	if err := tmp.Sync(); err != nil {
		slog.Debug("Sync temp upload file", "path", tmp.Name(), "err", err)
	}

	hashHex := hex.EncodeToString(payload.sum)
	if err := s.cfg.Engine.PutObjectFromFile(bucket, hashHex, payload.path, payload.size); err != nil {
		slog.Error("Store object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	checksum := base64.StdEncoding.EncodeToString(payload.sum)
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO objects(bucket, key, hash, size, content_type, checksum_sha256, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
		 	hash=excluded.hash,
		 	size=excluded.size,
		 	content_type=excluded.content_type,
		 	checksum_sha256=excluded.checksum_sha256,
		 	modified_at=excluded.modified_at`,
		bucket, key, hashHex, payload.size, contentType, checksum, now, now,
	)
	if err != nil {
		slog.Error("Upsert object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("ETag", createETag(hashHex))
	w.Header().Set(HeaderChecksumSHA256, checksum)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeObjectHeaders(w http.ResponseWriter, r *http.Request, meta objectMetadata) {
	if meta.contentType.Valid {
		w.Header().Set("Content-Type", meta.contentType.String)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(meta.size, 10))
	w.Header().Set("Last-Modified", meta.modifiedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", createETag(meta.hashHex))
	w.Header().Set("Accept-Ranges", "bytes")
	if strings.EqualFold(r.Header.Get(HeaderChecksumMode), "ENABLED") {
		w.Header().Set(HeaderChecksumSHA256, meta.checksumSHA256)
	}
}

// handleHeadObject implements HEAD /bucket/key, returning metadata headers
// compatible with S3 but without a response body.
func (s *Server) handleHeadObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	meta, err := s.lookupObjectMetadata(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup object metadata (HEAD)", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	s.writeObjectHeaders(w, r, meta)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	meta, err := s.lookupObjectMetadata(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	f, err := s.cfg.Engine.OpenObject(bucket, meta.hashHex)
	if err != nil {
		slog.Error("Open object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer f.Close()

	s.writeObjectHeaders(w, r, meta)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

func (s *Server) handleDeleteObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	meta, err := s.lookupObjectMetadata(ctx, bucket, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		slog.Error("Lookup object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		slog.Error("Delete object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	if meta.hashHex != "" {
		if err := s.cfg.Engine.DeleteObject(bucket, meta.hashHex); err != nil {
			slog.Warn("Delete object payload", "bucket", bucket, "key", key, "err", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
