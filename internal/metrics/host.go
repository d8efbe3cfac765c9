package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// HostUsage is a point-in-time view of host resources. Percentages are
// 0 to 100.
type HostUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeBytes uint64  `json:"disk_free_bytes"`
}

// SampleHost measures host usage. Disk figures are for the filesystem
// holding path. A failing probe leaves its fields zero and is returned as
// the error alongside the partial result.
func SampleHost(ctx context.Context, path string) (HostUsage, error) {
	var u HostUsage
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		keep(err)
	} else if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		keep(err)
	} else {
		u.MemoryPercent = vm.UsedPercent
	}
	if d, err := disk.UsageWithContext(ctx, path); err != nil {
		keep(err)
	} else {
		u.DiskPercent = d.UsedPercent
		u.DiskFreeBytes = d.Free
	}
	return u, firstErr
}

var (
	cpuDesc      = prometheus.NewDesc(namespace+"_host_cpu_percent", "Host CPU utilisation.", nil, nil)
	memDesc      = prometheus.NewDesc(namespace+"_host_memory_percent", "Host memory utilisation.", nil, nil)
	diskDesc     = prometheus.NewDesc(namespace+"_data_disk_percent", "Utilisation of the data directory filesystem.", nil, nil)
	diskFreeDesc = prometheus.NewDesc(namespace+"_data_disk_free_bytes", "Free bytes on the data directory filesystem.", nil, nil)
)

// HostCollector samples host usage on every scrape.
type HostCollector struct {
	path   string
	logger *zap.Logger
}

// NewHostCollector returns a collector reporting disk usage for path.
func NewHostCollector(path string, logger *zap.Logger) *HostCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostCollector{path: path, logger: logger.Named("host")}
}

// Describe is part of the prometheus.Collector interface.
func (h *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cpuDesc
	ch <- memDesc
	ch <- diskDesc
	ch <- diskFreeDesc
}

// Collect is part of the prometheus.Collector interface.
func (h *HostCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u, err := SampleHost(ctx, h.path)
	if err != nil {
		h.logger.Debug("host sample incomplete", zap.Error(err))
	}
	ch <- prometheus.MustNewConstMetric(cpuDesc, prometheus.GaugeValue, u.CPUPercent)
	ch <- prometheus.MustNewConstMetric(memDesc, prometheus.GaugeValue, u.MemoryPercent)
	ch <- prometheus.MustNewConstMetric(diskDesc, prometheus.GaugeValue, u.DiskPercent)
	ch <- prometheus.MustNewConstMetric(diskFreeDesc, prometheus.GaugeValue, float64(u.DiskFreeBytes))
}

// NewRegistry returns a registry holding c, a host collector for dataDir
// and the Go runtime and process collectors.
func NewRegistry(c *Collector, dataDir string, logger *zap.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		NewHostCollector(dataDir, logger),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
