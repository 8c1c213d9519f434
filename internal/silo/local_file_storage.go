package silo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFileStorage is a StorageEngine implementation that stores object
// payloads on the local filesystem under a content-addressed layout rooted at
// dataDir. Each bucket gets its own subdirectory, and within each bucket
// objects are addressed by their full SHA-256 hexadecimal hash, with the
// first two characters used as a subdirectory prefix.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

func (s *LocalFileStorage) objectPath(bucket, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(s.dataDir, "buckets", bucket, hashHex[:2], hashHex), nil
}

// PutObjectFromFile moves the payload at tempPath into the content-addressed
// tree. If a payload with the same hash and size already exists in any
// bucket, a hard link is created instead and the temp file is left for the
// caller to clean up.
func (s *LocalFileStorage) PutObjectFromFile(bucket string, hashHex string, tempPath string, size int64) error {
	objPath, err := s.objectPath(bucket, hashHex)
	if err != nil {
		return err
	}

	if info, err := os.Stat(objPath); err == nil && info.Size() == size {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	pattern := filepath.Join(s.dataDir, "buckets", "*", hashHex[:2], hashHex)
	matches, _ := filepath.Glob(pattern)
	for _, existing := range matches {
		if existing == objPath {
			continue
		}
		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() || info.Size() != size {
			continue
		}
		if err := os.Link(existing, objPath); err == nil {
			return nil
		}
	}

	return MoveFile(tempPath, objPath)
}

func (s *LocalFileStorage) OpenObject(bucket string, hashHex string) (io.ReadCloser, error) {
	objPath, err := s.objectPath(bucket, hashHex)
	if err != nil {
		return nil, err
	}
	return os.Open(objPath)
}

// DeleteObject is a no-op: payloads are shared between keys with the same
// content and are reclaimed when their bucket is deleted.
func (s *LocalFileStorage) DeleteObject(bucket string, hashHex string) error {
	_, err := s.objectPath(bucket, hashHex)
	return err
}

func (s *LocalFileStorage) DeleteBucket(bucket string) error {
	return os.RemoveAll(filepath.Join(s.dataDir, "buckets", bucket))
}
