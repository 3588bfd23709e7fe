package tirion

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SystemMetricsCollector collects stats of the instrumented process
type SystemMetricsCollector struct {
	BaseCollector
}

// NewSystemMetricsCollector creates a new system metrics collector
func NewSystemMetricsCollector(logger *zap.Logger) *SystemMetricsCollector {
	return &SystemMetricsCollector{
		BaseCollector: NewBaseCollector("system", logger),
	}
}

// Collect implements Collector interface
func (s *SystemMetricsCollector) Collect() []Metric {
	now := time.Now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	metric := func(name string, v float64, typ MetricType) Metric {
		return Metric{
			Name:       name,
			Value:      v,
			Labels:     map[string]string{},
			MetricType: typ,
			Timestamp:  now,
		}
	}

	metrics := []Metric{
		metric("memory_heap_alloc_bytes", float64(ms.HeapAlloc), Gauge),
		metric("memory_sys_bytes", float64(ms.Sys), Gauge),
		metric("goroutines_num", float64(runtime.NumGoroutine()), Gauge),
		metric("gc_runs_total", float64(ms.NumGC), Counter),
		metric("gc_pause_total_ns", float64(ms.PauseTotalNs), Counter),
	}

	if status, err := os.ReadFile("/proc/self/status"); err == nil {
		for key, name := range procStatusFields {
			if kb, ok := procStatusValue(status, key); ok {
				metrics = append(metrics, metric(name, float64(kb*1024), Gauge))
			}
		}
	} else {
		s.logger.Debug("Cannot read process status", zap.Error(err))
	}

	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		metrics = append(metrics, metric("file_descriptors_num", float64(len(entries)), Gauge))
	}

	return metrics
}

// procStatusFields maps /proc/self/status keys (values in kB) to metric names
var procStatusFields = map[string]string{
	"VmRSS":  "memory_rss_bytes",
	"VmSize": "memory_virtual_bytes",
	"VmSwap": "memory_swap_bytes",
}

// procStatusValue returns the numeric value of key in a /proc status file
func procStatusValue(status []byte, key string) (uint64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		k, rest, found := bytes.Cut(sc.Bytes(), []byte(":"))
		if !found || string(k) != key {
			continue
		}
		fields := bytes.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		v, err := strconv.ParseUint(string(fields[0]), 10, 64)
		return v, err == nil
	}
	return 0, false
}
