package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"arbflow/logger"
)

func TestResourceSamplerCollects(t *testing.T) {
	origCPU, origMem, origDisk := cpuPercentFn, memoryStatsFn, diskUsageFn
	defer func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn = origCPU, origMem, origDisk
	}()

	cpuPercentFn = func(context.Context, time.Duration) ([]float64, error) {
		return []float64{12.5}, nil
	}
	memoryStatsFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 100, Used: 40, UsedPercent: 40}, nil
	}
	diskUsageFn = func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Total: 1000, Used: 250, UsedPercent: 25}, nil
	}

	sampler := newResourceSampler(5, time.Millisecond, "/", logger.GetLogger())
	ctx, cancel := context.WithCancel(context.Background())
	sampler.start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(sampler.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sampler never produced a snapshot")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	sampler.stop()

	samples := sampler.snapshot()
	first := samples[0]
	if first.CPUPercent != 12.5 || first.MemoryPct != 40 || first.DiskPct != 25 {
		t.Fatalf("unexpected sample %+v", first)
	}
	if len(samples) > 5 {
		t.Fatalf("sampler exceeded its limit: %d samples", len(samples))
	}
}

func TestResourceSamplerStartIdempotent(t *testing.T) {
	sampler := newResourceSampler(5, time.Hour, "/", logger.GetLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)
	sampler.start(ctx)
	cancel()
	sampler.stop()
}
