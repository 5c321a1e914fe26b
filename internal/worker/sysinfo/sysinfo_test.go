package sysinfo_test

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh-io/agentmesh/internal/worker/sysinfo"
)

func TestSpecsReportHost(t *testing.T) {
	specs := sysinfo.Specs(context.Background())

	assert.Equal(t, runtime.GOOS, specs.OS)
	assert.Equal(t, runtime.GOARCH, specs.Arch)
	assert.Equal(t, runtime.Version(), specs.RuntimeVersion)
	assert.Greater(t, specs.CPUCores, 0)
	assert.Greater(t, specs.TotalMemoryGB, 0.0)
}

func TestSampleStaysInRange(t *testing.T) {
	cpuPct, memPct := sysinfo.Sample(context.Background())

	assert.GreaterOrEqual(t, cpuPct, 0.0)
	assert.LessOrEqual(t, cpuPct, 100.0)
	assert.GreaterOrEqual(t, memPct, 0.0)
	assert.LessOrEqual(t, memPct, 100.0)
}
