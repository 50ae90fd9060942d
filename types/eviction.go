package types

import (
	"context"
	"time"
)

type EvictionManager interface {
	LifecycleManager
	EntryObserver
	Sweep(ctx context.Context) (SweepResult, error)
	Trigger()
	Snapshot() EvictionSnapshot
}

type SweepResult struct {
	Evicted     int           `json:"evicted"`
	FreedBytes  int64         `json:"freed_bytes"`
	Failed      int           `json:"failed"`
	BytesBefore int64         `json:"bytes_before"`
	BytesAfter  int64         `json:"bytes_after"`
	Duration    time.Duration `json:"duration"`
}

type EvictionSnapshot struct {
	Ceiling   int64     `json:"ceiling"`
	Headroom  int64     `json:"headroom"`
	Tracked   int       `json:"tracked"`
	Sweeps    uint64    `json:"sweeps"`
	LastSweep time.Time `json:"last_sweep"`
}
