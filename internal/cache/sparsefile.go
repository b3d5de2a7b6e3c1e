package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// shardPath derives the on-disk path for fileID's sparse data file:
// {sha2(file_uuid)[0:2]}/{file_uuid} under root (§4.3).
func shardPath(root string, fileID uuid.UUID) string {
	sum := sha256.Sum256([]byte(fileID.String()))
	shard := hex.EncodeToString(sum[:1])
	return filepath.Join(root, shard, fileID.String())
}

// tmpPath is where an in-progress full-file download lands before its
// atomic rename into the sharded path.
func tmpPath(root string, fileID uuid.UUID) string {
	return filepath.Join(root, "tmp", fileID.String())
}

// openSparse opens (creating if necessary) the sparse data file for
// fileID, ensuring its shard directory exists.
func openSparse(root string, fileID uuid.UUID) (*os.File, error) {
	path := shardPath(root, fileID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
}

// writeAt writes data at the given byte offset, relying on the
// filesystem's native sparse-file support for any preceding hole.
func writeAt(f *os.File, data []byte, offset int64) error {
	_, err := f.WriteAt(data, offset)
	return err
}
