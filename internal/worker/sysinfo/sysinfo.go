// Package sysinfo reads the host facts a worker node reports: the static
// specs sent once at AUTH and the cpu/memory load sampled for heartbeats.
package sysinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

// Specs describes the host once, at startup. Probe failures degrade to
// zero values rather than blocking the connection.
func Specs(ctx context.Context) protocol.NodeSpecs {
	specs := protocol.NodeSpecs{
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		RuntimeVersion: runtime.Version(),
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		specs.CPUCores = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		specs.TotalMemoryGB = float64(vm.Total) / (1 << 30)
	}
	return specs
}

// Sample returns the current cpu and memory utilization in percent.
// Unreadable values come back as zero; a heartbeat with missing load is
// better than no heartbeat.
func Sample(ctx context.Context) (cpuPercent, memPercent float64) {
	if perc, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(perc) > 0 {
		cpuPercent = perc[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent
}
