package health

import (
	"context"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/saiset-co/build-cache-node/types"
)

// StorageChecker reports the blob store unhealthy when its root is gone.
func StorageChecker(store types.BlobStore, config *types.StorageConfig) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		stats := store.Stats()

		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"type":    stats.Type,
				"bytes":   stats.Bytes,
				"entries": stats.Entries,
				"stored":  humanize.IBytes(uint64(stats.Bytes)),
			},
		}

		if config.Type == "disk" {
			info, err := os.Stat(config.Root)
			if err != nil {
				check.Status = types.StatusUnhealthy
				check.Message = err.Error()
				return check
			}
			if !info.IsDir() {
				check.Status = types.StatusUnhealthy
				check.Message = config.Root + " is not a directory"
			}
		}

		return check
	}
}

// StoreUsageSource reports the shared store state against the size ceiling.
func StoreUsageSource(usage types.StoreStateReader, ceiling int64) types.UsageSource {
	return func() types.StoreUsage {
		storeUsage := types.StoreUsage{
			Bytes:   usage.Bytes(),
			Entries: usage.Entries(),
			Ceiling: ceiling,
		}
		if ceiling > 0 {
			storeUsage.Utilization = float64(storeUsage.Bytes) / float64(ceiling)
		}
		return storeUsage
	}
}

// EvictionChecker reports unknown while usage sits above the ceiling and
// unhealthy when the eviction worker is not running.
func EvictionChecker(eviction types.EvictionManager, usage types.StoreStateReader) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		snapshot := eviction.Snapshot()
		bytes := usage.Bytes()

		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"ceiling":    snapshot.Ceiling,
				"headroom":   snapshot.Headroom,
				"bytes":      bytes,
				"tracked":    snapshot.Tracked,
				"sweeps":     snapshot.Sweeps,
				"last_sweep": snapshot.LastSweep,
			},
		}

		switch {
		case !eviction.IsRunning():
			check.Status = types.StatusUnhealthy
			check.Message = "eviction worker is not running"
		case bytes > snapshot.Ceiling:
			check.Status = types.StatusUnknown
			check.Message = "usage above ceiling, sweep pending"
		}

		return check
	}
}

// TLSChecker reports on the certificates the TLS manager currently serves.
// A certificate within 30 days of expiry degrades the node to unknown.
func TLSChecker(manager types.TLSManager) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{},
		}

		for domain, status := range manager.GetCertificateStatus() {
			check.Details[domain] = status

			switch status.Status {
			case "expired", "error":
				check.Status = types.StatusUnhealthy
				check.Message = domain + ": certificate " + status.Status
			case "expiring_soon":
				if check.Status == types.StatusHealthy {
					check.Status = types.StatusUnknown
					check.Message = domain + ": certificate expiring soon"
				}
			}
		}

		return check
	}
}
