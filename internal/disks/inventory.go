// Package disks enumerates mounted filesystems with usage figures. Inventories
// are computed per call and never cached; mount churn shows up on the next
// query automatically.
package disks

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"
)

// PartitionInfo describes one mounted filesystem.
type PartitionInfo struct {
	Device      string   `json:"device"`
	Mountpoint  string   `json:"mountpoint"`
	Fstype      string   `json:"fstype"`
	TotalBytes  uint64   `json:"total_bytes"`
	UsedBytes   uint64   `json:"used_bytes"`
	FreeBytes   uint64   `json:"free_bytes"`
	UsedPercent *float64 `json:"used_percent"` // nil when the size is unknown (total == 0)
}

// Inventory is one enumeration pass over the mount table. Skipped carries a
// diagnostic note per mount whose usage could not be read.
type Inventory struct {
	CollectedAt time.Time       `json:"collected_at"`
	Partitions  []PartitionInfo `json:"partitions"`
	Skipped     []string        `json:"skipped,omitempty"`
}

// Lister enumerates mounted filesystems, dropping the configured
// pseudo-filesystem types.
type Lister struct {
	excluded map[string]struct{}
	log      *zap.Logger

	// Probe functions, swapped out in tests.
	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewLister creates a lister that hides mounts whose fstype appears in
// excludedFstypes.
func NewLister(excludedFstypes []string, logger *zap.Logger) *Lister {
	if logger == nil {
		logger = zap.NewNop()
	}
	excluded := make(map[string]struct{}, len(excludedFstypes))
	for _, fs := range excludedFstypes {
		excluded[fs] = struct{}{}
	}
	return &Lister{
		excluded:   excluded,
		log:        logger,
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
	}
}

// List enumerates the mount table. A mount whose usage cannot be read is
// skipped with a diagnostic note rather than failing the whole inventory;
// only a failure to read the mount table itself is an error.
func (l *Lister) List(ctx context.Context) (Inventory, error) {
	parts, err := l.partitions(ctx, false)
	if err != nil {
		return Inventory{}, fmt.Errorf("enumerating partitions: %w", err)
	}

	inv := Inventory{
		CollectedAt: time.Now(),
		Partitions:  make([]PartitionInfo, 0, len(parts)),
	}
	for _, p := range parts {
		if _, drop := l.excluded[p.Fstype]; drop {
			continue
		}
		du, err := l.usage(ctx, p.Mountpoint)
		if err != nil {
			note := fmt.Sprintf("%s (%s): %v", p.Mountpoint, p.Fstype, err)
			inv.Skipped = append(inv.Skipped, note)
			l.log.Warn("skipping unreadable mount",
				zap.String("mountpoint", p.Mountpoint), zap.Error(err))
			continue
		}

		info := PartitionInfo{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			Fstype:     p.Fstype,
			TotalBytes: du.Total,
			UsedBytes:  du.Used,
			FreeBytes:  du.Free,
		}
		// A zero-sized filesystem has no meaningful percentage.
		if du.Total > 0 {
			pct := float64(du.Used) / float64(du.Total) * 100
			info.UsedPercent = &pct
		}
		inv.Partitions = append(inv.Partitions, info)
	}
	return inv, nil
}
