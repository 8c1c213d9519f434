package silo

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTempPayload writes payload to a temp file and returns its path and hash.
func writeTempPayload(t *testing.T, dir string, payload []byte) (string, string) {
	t.Helper()

	f, err := os.CreateTemp(dir, "upload-*")
	require.NoError(t, err)
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sum := sha256.Sum256(payload)
	return f.Name(), hex.EncodeToString(sum[:])
}

func TestLocalFileStoragePutAndOpen(t *testing.T) {
	dataDir := t.TempDir()
	engine := NewLocalFileStorage(dataDir)

	payload := []byte("hello local storage")
	tempPath, hashHex := writeTempPayload(t, t.TempDir(), payload)

	require.NoError(t, engine.PutObjectFromFile("bucket", hashHex, tempPath, int64(len(payload))), "PutObjectFromFile error")

	objPath := filepath.Join(dataDir, "buckets", "bucket", hashHex[:2], hashHex)
	info, err := os.Stat(objPath)
	require.NoError(t, err, "expected object file to exist")
	require.False(t, info.IsDir(), "object path should be a file")

	_, err = os.Stat(tempPath)
	require.True(t, os.IsNotExist(err), "temp file should have been moved")

	rc, err := engine.OpenObject("bucket", hashHex)
	require.NoError(t, err, "OpenObject error")
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got, "payload mismatch")
}

func TestLocalFileStorageLinksAcrossBuckets(t *testing.T) {
	dataDir := t.TempDir()
	engine := NewLocalFileStorage(dataDir)

	payload := []byte("shared payload")
	tempA, hashHex := writeTempPayload(t, t.TempDir(), payload)
	require.NoError(t, engine.PutObjectFromFile("bucket-a", hashHex, tempA, int64(len(payload))))

	tempB, _ := writeTempPayload(t, t.TempDir(), payload)
	require.NoError(t, engine.PutObjectFromFile("bucket-b", hashHex, tempB, int64(len(payload))))

	infoA, err := os.Stat(filepath.Join(dataDir, "buckets", "bucket-a", hashHex[:2], hashHex))
	require.NoError(t, err)
	infoB, err := os.Stat(filepath.Join(dataDir, "buckets", "bucket-b", hashHex[:2], hashHex))
	require.NoError(t, err)
	require.True(t, os.SameFile(infoA, infoB), "expected a hard link between buckets")
}

func TestLocalFileStorageInvalidHash(t *testing.T) {
	engine := NewLocalFileStorage(t.TempDir())

	// Hash shorter than 2 characters should be rejected by objectPath.
	err := engine.PutObjectFromFile("bucket", "a", "/nonexistent", 4)
	require.Error(t, err, "expected error for too-short hash")

	_, err = engine.OpenObject("bucket", "a")
	require.Error(t, err, "expected error for too-short hash on OpenObject")
}

func TestLocalFileStorageDeleteBucket(t *testing.T) {
	dataDir := t.TempDir()
	engine := NewLocalFileStorage(dataDir)

	payload := []byte("to be removed")
	tempPath, hashHex := writeTempPayload(t, t.TempDir(), payload)
	require.NoError(t, engine.PutObjectFromFile("bucket", hashHex, tempPath, int64(len(payload))))

	require.NoError(t, engine.DeleteObject("bucket", hashHex), "DeleteObject should be a no-op without error")
	require.NoError(t, engine.DeleteBucket("bucket"))

	_, err := engine.OpenObject("bucket", hashHex)
	require.True(t, os.IsNotExist(err), "payload should be gone with its bucket")
}
