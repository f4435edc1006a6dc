// Package sysinfo produces on-demand host identity snapshots: OS and kernel
// details, boot time and uptime, and the CPU topology. Nothing is cached;
// every call reflects the live system.
package sysinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
)

// CPUInfo describes the processor.
type CPUInfo struct {
	ModelName     string  `json:"model_name"`
	PhysicalCores int     `json:"physical_cores"`
	LogicalCores  int     `json:"logical_cores"`
	MHz           float64 `json:"mhz"`
}

// Info is one host identity snapshot.
type Info struct {
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`       // e.g. "linux"
	Platform      string    `json:"platform"` // e.g. "ubuntu 22.04"
	KernelVersion string    `json:"kernel_version"`
	KernelArch    string    `json:"kernel_arch"`
	BootTime      time.Time `json:"boot_time"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	CPU           CPUInfo   `json:"cpu"`
}

// Collector gathers host identity snapshots.
type Collector struct {
	// Probe functions, swapped out in tests.
	hostInfo  func(ctx context.Context) (*host.InfoStat, error)
	cpuInfo   func(ctx context.Context) ([]cpu.InfoStat, error)
	cpuCounts func(ctx context.Context, logical bool) (int, error)
}

// NewCollector creates a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{
		hostInfo:  host.InfoWithContext,
		cpuInfo:   cpu.InfoWithContext,
		cpuCounts: cpu.CountsWithContext,
	}
}

// Collect gathers a snapshot. Host and CPU details are probed independently:
// one side failing still yields the other. Only both failing is an error.
func (c *Collector) Collect(ctx context.Context) (Info, error) {
	var info Info

	hi, hostErr := c.hostInfo(ctx)
	if hostErr == nil {
		info.Hostname = hi.Hostname
		info.OS = hi.OS
		info.Platform = platformString(hi)
		info.KernelVersion = hi.KernelVersion
		info.KernelArch = hi.KernelArch
		info.BootTime = time.Unix(int64(hi.BootTime), 0)
		info.UptimeSeconds = hi.Uptime
	}

	cpuErr := c.collectCPU(ctx, &info)

	if hostErr != nil && cpuErr != nil {
		return info, fmt.Errorf("host info: %v; cpu info: %v", hostErr, cpuErr)
	}
	return info, nil
}

// collectCPU fills in processor details, tolerating partial probe failures.
func (c *Collector) collectCPU(ctx context.Context, info *Info) error {
	infos, err := c.cpuInfo(ctx)
	if err == nil && len(infos) > 0 {
		info.CPU.ModelName = infos[0].ModelName
		info.CPU.MHz = infos[0].Mhz
	}

	if logical, cerr := c.cpuCounts(ctx, true); cerr == nil {
		info.CPU.LogicalCores = logical
	}
	if physical, cerr := c.cpuCounts(ctx, false); cerr == nil {
		info.CPU.PhysicalCores = physical
	}

	if err != nil && info.CPU.LogicalCores == 0 {
		return err
	}
	return nil
}

// platformString renders a descriptive platform label, e.g. "ubuntu 22.04".
func platformString(hi *host.InfoStat) string {
	if hi.Platform == "" {
		return hi.OS
	}
	if hi.PlatformVersion == "" {
		return hi.Platform
	}
	return fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion)
}
