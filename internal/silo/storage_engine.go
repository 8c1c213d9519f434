package silo

import "io"

type StorageEngine interface {
	// PutObjectFromFile stores the payload identified by its SHA-256
	// hexadecimal hash within the given bucket, using the contents of the
	// file at tempPath.
	PutObjectFromFile(bucket string, hashHex string, tempPath string, size int64) error

	// OpenObject opens the payload previously stored under the given bucket
	// and SHA-256 hexadecimal hash.
	OpenObject(bucket string, hashHex string) (io.ReadCloser, error)

	// DeleteObject removes the payload associated with the given hash in the
	// specified bucket.
	DeleteObject(bucket string, hashHex string) error

	// DeleteBucket removes all payloads of the given bucket.
	DeleteBucket(bucket string) error
}
