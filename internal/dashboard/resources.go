package dashboard

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"l3flow/logger"
)

// resourceSample is one reading of host and process utilisation. Disk usage
// is taken on the filesystem holding the spool, which is what fills up while
// storage is degraded.
type resourceSample struct {
	Timestamp     time.Time `json:"timestamp"`
	HostCPU       float64   `json:"host_cpu_percent"`
	HostMemoryPct float64   `json:"host_memory_percent"`
	ProcessRSS    uint64    `json:"process_rss"`
	ProcessCPU    float64   `json:"process_cpu_percent"`
	DiskUsed      uint64    `json:"disk_used"`
	DiskTotal     uint64    `json:"disk_total"`
	DiskPct       float64   `json:"disk_percent"`
}

var (
	hostCPUFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	hostMemoryFn = mem.VirtualMemoryWithContext
	diskUsageFn  = disk.UsageWithContext
	processFn    = func(ctx context.Context) (rss uint64, cpuPct float64, err error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		cpuPct, err = p.CPUPercentWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		return info.RSS, cpuPct, nil
	}
)

type resourceSampler struct {
	mu       sync.RWMutex
	samples  []resourceSample
	limit    int
	interval time.Duration
	diskPath string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Log
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{limit: limit, interval: interval, diskPath: diskPath, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ctx.Err() == nil {
			// the cpu reading itself blocks for one interval
			sample, err := s.sample(ctx)
			if err != nil {
				s.log.WithComponent("resource_sampler").WithError(err).Debug("resource sample failed")
				select {
				case <-ctx.Done():
				case <-time.After(s.interval):
				}
				continue
			}
			s.add(sample)
		}
	}()
}

func (s *resourceSampler) stop() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSample, error) {
	host, err := hostCPUFn(ctx, s.interval)
	if err != nil {
		return resourceSample{}, err
	}
	vm, err := hostMemoryFn(ctx)
	if err != nil {
		return resourceSample{}, err
	}
	du, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSample{}, err
	}
	rss, procCPU, err := processFn(ctx)
	if err != nil {
		return resourceSample{}, err
	}

	out := resourceSample{
		Timestamp:     time.Now().UTC(),
		HostMemoryPct: vm.UsedPercent,
		ProcessRSS:    rss,
		ProcessCPU:    procCPU,
		DiskUsed:      du.Used,
		DiskTotal:     du.Total,
		DiskPct:       du.UsedPercent,
	}
	if len(host) > 0 {
		out.HostCPU = host[0]
	}
	return out, nil
}

func (s *resourceSampler) add(sample resourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	if over := len(s.samples) - s.limit; over > 0 {
		s.samples = append([]resourceSample(nil), s.samples[over:]...)
	}
}

func (s *resourceSampler) snapshot() []resourceSample {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]resourceSample(nil), s.samples...)
}
