// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Probes supplies the resource measurements admission control runs on.
//
// Production uses SystemProbes (gopsutil); tests inject StaticProbes with
// fixed values so every admission decision is deterministic.
type Probes interface {
	// DiskUsage measures the filesystem containing path.
	DiskUsage(ctx context.Context, path string) (DiskStats, error)

	// MemoryUsage measures system and process memory.
	MemoryUsage(ctx context.Context) (MemStats, error)
}

// SystemProbes measures real disk and memory usage via gopsutil.
type SystemProbes struct{}

// DiskUsage returns usage of the filesystem containing path.
func (SystemProbes) DiskUsage(ctx context.Context, path string) (DiskStats, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskStats{}, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return DiskStats{
		UsedPercent: usage.UsedPercent,
		FreeBytes:   usage.Free,
		TotalBytes:  usage.Total,
	}, nil
}

// MemoryUsage returns system memory utilization and this process's RSS.
func (SystemProbes) MemoryUsage(ctx context.Context) (MemStats, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemStats{}, fmt.Errorf("virtual memory: %w", err)
	}

	stats := MemStats{UsedPercent: vm.UsedPercent}

	// Process RSS is best-effort; system pressure is what gates admission.
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			stats.ProcessRSS = info.RSS
		}
	}
	return stats, nil
}

// StaticProbes returns fixed values. Test helper.
type StaticProbes struct {
	Disk    DiskStats
	Mem     MemStats
	DiskErr error
	MemErr  error
}

func (p StaticProbes) DiskUsage(ctx context.Context, path string) (DiskStats, error) {
	return p.Disk, p.DiskErr
}

func (p StaticProbes) MemoryUsage(ctx context.Context) (MemStats, error) {
	return p.Mem, p.MemErr
}
