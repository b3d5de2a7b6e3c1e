package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var entriesBucket = []byte("entries")

// The on-disk index format assumes a 64-bit host (§6.6): on a 32-bit host
// ^uint(0)>>63 is 0 and this constant division fails to compile.
const _ = 1 / (^uint(0) >> 63)

// entryRow is one row of the cache's embedded metadata index (§4.3): every
// field the spec lists for a cache entry, one per file_uuid.
type entryRow struct {
	FileUUID     uuid.UUID
	FullFileID   string
	FileSize     int64
	MTimeAtCache time.Time
	SizeAtCache  int64
	BlockSize    int64 // 0 marks a full-file entry
	BlockMap     []byte
	CachedBytes  int64
	LastAccess   time.Time
	SourceTag    string
}

func (r *entryRow) isFullFile() bool { return r.BlockSize == 0 }

// index wraps the bbolt-backed metadata store. bbolt's single-writer,
// many-reader transactions give exactly the "single writer / many readers
// discipline using explicit transactions" §5 calls for, with no additional
// locking layer needed around index access.
type index struct {
	db *bbolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create entries bucket: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) close() error { return ix.db.Close() }

func (ix *index) get(id uuid.UUID) (*entryRow, bool, error) {
	var row *entryRow
	err := ix.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(id[:])
		if data == nil {
			return nil
		}
		r, err := decodeRow(data)
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return row, row != nil, nil
}

func (ix *index) put(row *entryRow) error {
	data, err := encodeRow(row)
	if err != nil {
		return err
	}
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Put(row.FileUUID[:], data)
	})
}

func (ix *index) delete(id uuid.UUID) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete(id[:])
	})
}

// forEach visits every row; used by reconciliation at startup and by
// eviction's ascending-last-access sweep.
func (ix *index) forEach(fn func(*entryRow) error) error {
	return ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(_, data []byte) error {
			row, err := decodeRow(data)
			if err != nil {
				return err
			}
			return fn(row)
		})
	})
}

func encodeRow(row *entryRow) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(row); err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRow(data []byte) (*entryRow, error) {
	var row entryRow
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&row); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &row, nil
}
