package cache

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/saiset-co/build-cache-node/types"
)

const recordSize = 32

var entriesBucket = []byte("entries")

// record is the persisted form of an entry:
// size u64 | checksum u64 | created i64 | accessed i64, big-endian.
type record struct {
	size     int64
	checksum uint64
	created  int64
	accessed int64
}

func recordFromMeta(meta types.EntryMeta) record {
	return record{
		size:     meta.Size,
		checksum: meta.Checksum,
		created:  meta.CreatedAt.UnixNano(),
		accessed: meta.AccessedAt.UnixNano(),
	}
}

func (r record) encode() []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.size))
	binary.BigEndian.PutUint64(buf[8:16], r.checksum)
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.created))
	binary.BigEndian.PutUint64(buf[24:32], uint64(r.accessed))
	return buf
}

func decodeRecord(buf []byte) (record, bool) {
	if len(buf) != recordSize {
		return record{}, false
	}
	return record{
		size:     int64(binary.BigEndian.Uint64(buf[0:8])),
		checksum: binary.BigEndian.Uint64(buf[8:16]),
		created:  int64(binary.BigEndian.Uint64(buf[16:24])),
		accessed: int64(binary.BigEndian.Uint64(buf[24:32])),
	}, true
}

// Index persists entry metadata in a single bbolt file.
type Index struct {
	db *bbolt.DB
}

func OpenIndex(path string, fsync bool, lockTimeout time.Duration) (*Index, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: lockTimeout,
		NoSync:  !fsync,
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, types.Errorf(types.ErrStorageRootInvalid, "index %s is locked by another process", path)
		}
		return nil, errors.WithStack(types.Errorf(types.ErrIOFailure, "open index: %v", err))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WithStack(types.Errorf(types.ErrIOFailure, "create index bucket: %v", err))
	}

	return &Index{db: db}, nil
}

// Load returns every decodable record. Undecodable ones are reported in bad
// so the caller can drop them.
func (i *Index) Load() (records map[string]record, bad []string, err error) {
	records = make(map[string]record)

	err = i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			rec, ok := decodeRecord(v)
			if !ok {
				bad = append(bad, string(k))
				return nil
			}
			records[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, nil, errors.WithStack(types.Errorf(types.ErrIOFailure, "load index: %v", err))
	}

	return records, bad, nil
}

func (i *Index) Put(key string, rec record) error {
	err := i.db.Batch(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(key), rec.encode())
	})
	if err != nil {
		return errors.WithStack(types.Errorf(types.ErrIOFailure, "index put %q: %v", key, err))
	}
	return nil
}

func (i *Index) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	err := i.db.Batch(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		for _, key := range keys {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(types.Errorf(types.ErrIOFailure, "index delete: %v", err))
	}
	return nil
}

// Touch raises the stored access time of existing records. Records that were
// removed or already carry a later time are left alone.
func (i *Index) Touch(accessed map[string]int64) error {
	if len(accessed) == 0 {
		return nil
	}

	err := i.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		for key, at := range accessed {
			rec, ok := decodeRecord(bucket.Get([]byte(key)))
			if !ok || rec.accessed >= at {
				continue
			}
			rec.accessed = at
			if err := bucket.Put([]byte(key), rec.encode()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(types.Errorf(types.ErrIOFailure, "index touch: %v", err))
	}
	return nil
}

func (i *Index) Close() error {
	return i.db.Close()
}
