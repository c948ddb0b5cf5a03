package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l3flow/logger"
)

func stubCollectors(t *testing.T, diskFail *atomic.Bool) *atomic.Int32 {
	t.Helper()
	cpuFn, memFn, diskFn, procFn := hostCPUFn, hostMemoryFn, diskUsageFn, processFn
	t.Cleanup(func() {
		hostCPUFn, hostMemoryFn, diskUsageFn, processFn = cpuFn, memFn, diskFn, procFn
	})

	calls := &atomic.Int32{}
	hostCPUFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		calls.Add(1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		return []float64{42.5}, nil
	}
	hostMemoryFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		if diskFail != nil && diskFail.Load() {
			return nil, errors.New("no such file or directory")
		}
		return &disk.UsageStat{Path: path, Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}
	processFn = func(ctx context.Context) (uint64, float64, error) {
		return 1 << 20, 3.5, nil
	}
	return calls
}

func TestResourceSamplerCollectsAndBounds(t *testing.T) {
	calls := stubCollectors(t, nil)
	sampler := newResourceSampler(2, 5*time.Millisecond, "data/spool", logger.Logger())

	sampler.start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	sampler.stop()
	sampler.stop()

	samples := sampler.snapshot()
	require.Len(t, samples, 2)
	latest := samples[len(samples)-1]
	assert.Equal(t, 42.5, latest.HostCPU)
	assert.Equal(t, uint64(1<<20), latest.ProcessRSS)
	assert.Equal(t, 50.0, latest.DiskPct)
}

func TestResourceSamplerSkipsFailedSamples(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	calls := stubCollectors(t, &fail)
	sampler := newResourceSampler(10, 5*time.Millisecond, "", logger.Logger())

	sampler.start(context.Background())
	defer sampler.stop()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sampler.snapshot())

	fail.Store(false)
	require.Eventually(t, func() bool { return len(sampler.snapshot()) > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestNilSamplerIsSafe(t *testing.T) {
	var s *resourceSampler
	s.start(context.Background())
	s.stop()
	assert.Nil(t, s.snapshot())
}
