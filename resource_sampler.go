// resource_sampler.go: per-process resource sampling for health checks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is one sample of the resources held by an extension process.
type ResourceUsage struct {
	CPUPercent  float64       `json:"cpu_percent"`
	MemoryMB    float64       `json:"memory_mb"`
	DiskPercent float64       `json:"disk_percent"`
	OpenFiles   int32         `json:"open_files"`
	Uptime      time.Duration `json:"uptime"`
}

// ResourceSampler reads the resource usage of a process.
//
// dir is the installation directory of the extension and is used for the disk
// usage reading; an empty dir skips it. Implementations return an error carrying
// ErrCodeExtensionNotFound when the process does not exist.
type ResourceSampler interface {
	Sample(ctx context.Context, pid int32, dir string) (ResourceUsage, error)
}

// ProcessSampler samples real processes through gopsutil.
type ProcessSampler struct{}

// NewProcessSampler creates a gopsutil backed sampler.
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{}
}

// Sample implements ResourceSampler.
func (s *ProcessSampler) Sample(ctx context.Context, pid int32, dir string) (ResourceUsage, error) {
	var usage ResourceUsage
	if pid <= 0 {
		return usage, NewExtensionNotFoundError("")
	}

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if stderrors.Is(err, process.ErrorProcessNotRunning) {
			return usage, NewExtensionNotFoundError("").WithContext("pid", pid)
		}
		return usage, NewSamplingError("", err)
	}

	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return usage, NewSamplingError("", err).WithContext("pid", pid)
	}
	usage.CPUPercent = cpu

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return usage, NewSamplingError("", err).WithContext("pid", pid)
	}
	usage.MemoryMB = float64(mem.RSS) / (1024 * 1024)

	// Handle counts are not available on every platform.
	if fds, err := proc.NumFDsWithContext(ctx); err == nil {
		usage.OpenFiles = fds
	}

	if created, err := proc.CreateTimeWithContext(ctx); err == nil && created > 0 {
		usage.Uptime = timecache.CachedTime().Sub(time.UnixMilli(created))
		if usage.Uptime < 0 {
			usage.Uptime = 0
		}
	}

	if dir != "" {
		if du, err := disk.UsageWithContext(ctx, dir); err == nil {
			usage.DiskPercent = du.UsedPercent
		}
	}

	return usage, nil
}
