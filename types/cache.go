package types

import (
	"context"
	"io"
	"time"
)

// BlobStore is the key to payload store behind the /cache endpoints.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader) (PutResult, error)
	// Get returns the verified payload of key, or found=false on a miss. The
	// caller must close a returned payload.
	Get(ctx context.Context, key string) (*Payload, bool, error)
	Exists(key string) bool
	Stat(key string) (EntryMeta, bool)
	Delete(key string) error
	// Evict removes key only while it still holds the given version and
	// returns the number of bytes released.
	Evict(key string, version uint64) (int64, error)
	Walk(fn func(meta EntryMeta) bool)
	Subscribe(observer EntryObserver)
	Flush(ctx context.Context) error
	Stats() StoreStats
	Close() error
}

type StoreCreator func(config *StorageConfig, state StoreStateWriter, logger Logger) (BlobStore, error)

// EntryObserver receives entry lifecycle notifications. Callbacks run while the
// key's lock is held and must not call back into the store.
type EntryObserver interface {
	OnStore(meta EntryMeta)
	OnAccess(key string, at time.Time)
	OnRemove(key string)
}

type EntryMeta struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	Checksum   uint64    `json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
	Version    uint64    `json:"version"`
}

// Payload is an open stored entry. Reads see the generation described by Meta
// even if the key is overwritten or removed while it is open.
type Payload struct {
	io.ReadCloser
	Meta EntryMeta
}

type PutResult struct {
	Size     int64 `json:"size"`
	Replaced bool  `json:"replaced"`
}

type StoreStats struct {
	Type    string `json:"type"`
	Bytes   int64  `json:"bytes"`
	Entries int64  `json:"entries"`
}

type StoreStateReader interface {
	Bytes() int64
	Entries() int64
}

type StoreStateWriter interface {
	StoreStateReader
	Add(size int64)
	Remove(size int64)
	Replace(oldSize, newSize int64)
}
