package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type counter struct {
	value int64
}

// Process wide counters surfaced in the runtime report. Components bump
// them with Count; warnings and errors are tallied per component.
var (
	counters sync.Map // map[string]*counter
	warns    sync.Map // map[string]*counter
	errs     sync.Map // map[string]*counter
)

// Counter names used across the pipeline.
const (
	CounterEventsRead      = "events_read"
	CounterEventsPersisted = "events_persisted"
	CounterSnapshotsTaken  = "snapshots_taken"
	CounterSnapshotFetches = "snapshot_fetches"
	CounterGaps            = "sequence_gaps"
	CounterReconnects      = "reconnects"
	CounterSpooled         = "events_spooled"
	CounterDropped         = "events_dropped"
)

func bump(m *sync.Map, name string, delta int64) {
	if name == "" {
		return
	}
	v, _ := m.LoadOrStore(name, &counter{})
	atomic.AddInt64(&v.(*counter).value, delta)
}

func snapshotOf(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(&v.(*counter).value)
		return true
	})
	return out
}

func recordWarn(component string)  { bump(&warns, component, 1) }
func recordError(component string) { bump(&errs, component, 1) }

// Count adds delta to the named report counter.
func Count(name string, delta int64) {
	bump(&counters, name, delta)
}

// Counters returns the current value of every report counter.
func Counters() map[string]int64 {
	return snapshotOf(&counters)
}

// Report is one sample of process and pipeline health.
type Report struct {
	Timestamp    time.Time
	Goroutines   int
	CPUPercent   float64
	MemoryMB     float64
	DiskMB       float64
	NetBytesSent uint64
	NetBytesRecv uint64
	Counters     map[string]int64
	Warnings     map[string]int64
	Errors       map[string]int64
}

// ReportSink receives every report after it is logged, e.g. to forward it
// to CloudWatch.
type ReportSink func(ctx context.Context, r Report)

// StartReport logs a Report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration, sinks ...ReportSink) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r := collectReport()
				logReport(log, r)
				for _, sink := range sinks {
					if sink != nil {
						sink(ctx, r)
					}
				}
			}
		}
	}()
}

func collectReport() Report {
	r := Report{
		Timestamp:  time.Now().UTC(),
		Goroutines: runtime.NumGoroutine(),
		Counters:   snapshotOf(&counters),
		Warnings:   snapshotOf(&warns),
		Errors:     snapshotOf(&errs),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		r.DiskMB = float64(du.Used) / 1024 / 1024
	}
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		r.NetBytesSent = io[0].BytesSent
		r.NetBytesRecv = io[0].BytesRecv
	}
	return r
}

func logReport(log *Log, r Report) {
	fields := Fields{
		"goroutines":     r.Goroutines,
		"cpu_percent":    r.CPUPercent,
		"memory_mb":      int64(r.MemoryMB),
		"disk_mb":        int64(r.DiskMB),
		"net_bytes_sent": r.NetBytesSent,
		"net_bytes_recv": r.NetBytesRecv,
	}
	names := make([]string, 0, len(r.Counters))
	for name := range r.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields[name] = r.Counters[name]
	}
	if len(r.Warnings) > 0 {
		fields["warnings"] = r.Warnings
	}
	if len(r.Errors) > 0 {
		fields["errors"] = r.Errors
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
