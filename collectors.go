package tirion

import (
	"strconv"
	"time"

	"go.uber.org/zap"
)

// BaseCollector provides basic collector functionality
type BaseCollector struct {
	name   string
	logger *zap.Logger
}

// Name implements Collector interface
func (b *BaseCollector) Name() string {
	return b.name
}

// NewBaseCollector creates a base collector
func NewBaseCollector(name string, logger *zap.Logger) BaseCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return BaseCollector{
		name:   name,
		logger: logger,
	}
}

// RegionCollector reports the current value of every metric slot as a gauge.
type RegionCollector struct {
	BaseCollector
	region *Region
	names  []string
}

// NewRegionCollector creates a collector for region. names[i] names slot i;
// slots without a name are reported as "slot_<i>".
func NewRegionCollector(region *Region, names []string, logger *zap.Logger) *RegionCollector {
	return &RegionCollector{
		BaseCollector: NewBaseCollector("region", logger),
		region:        region,
		names:         names,
	}
}

func (r *RegionCollector) slotName(i int) string {
	if i < len(r.names) && r.names[i] != "" {
		return r.names[i]
	}
	return "slot_" + strconv.Itoa(i)
}

// Collect implements Collector interface
func (r *RegionCollector) Collect() []Metric {
	values := r.region.Snapshot()
	if values == nil {
		r.logger.Debug("Region detached, nothing to collect")
		return nil
	}

	now := time.Now()
	metrics := make([]Metric, 0, len(values))
	for i, v := range values {
		metrics = append(metrics, Metric{
			Name:       r.slotName(i),
			Value:      float64(v),
			Labels:     map[string]string{"slot": strconv.Itoa(i)},
			MetricType: Gauge,
			Timestamp:  now,
		})
	}
	return metrics
}
