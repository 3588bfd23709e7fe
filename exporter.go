package tirion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Collector provides metrics for the remote write mirror
type Collector interface {
	Collect() []Metric
	Name() string
}

// Metric represents a single metric data point
type Metric struct {
	Name       string
	Value      float64
	Labels     map[string]string
	MetricType MetricType
	Timestamp  time.Time
}

// MetricType represents the type of a metric
type MetricType int

const (
	Counter MetricType = iota
	Gauge
)

// exporter periodically pushes collected metrics to a Prometheus remote
// write endpoint. The agent stays the owner of the data; this is a mirror.
type exporter struct {
	config     Config
	logger     *zap.Logger
	session    string
	instance   string
	collectors []Collector
	client     *promwrite.Client
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mutex      sync.RWMutex

	// DNS refresh of the remote write host
	targetHost  string
	resolvedIPs []string
	lastResolve time.Time
	dnsCfg      dnsConfig
	dnsCache    map[string]dnsCacheEntry
}

type dnsConfig struct {
	enabled         bool
	cacheTTL        time.Duration
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string
}

type dnsCacheEntry struct {
	ips []string
	ttl time.Time
}

func newExporter(config Config, logger *zap.Logger, session string) (*exporter, error) {
	if config.RemoteWriteURL == "" {
		return nil, fmt.Errorf("remote write url cannot be empty")
	}

	u, err := url.Parse(config.RemoteWriteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote write url: %w", err)
	}

	instance, err := os.Hostname()
	if err != nil {
		instance = "unknown"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &exporter{
		config:     config,
		logger:     logger.Named("exporter"),
		session:    session,
		instance:   instance,
		client:     promwrite.NewClient(config.RemoteWriteURL),
		ctx:        ctx,
		cancel:     cancel,
		targetHost: u.Hostname(),
		dnsCfg: dnsConfig{
			enabled:         config.DNSEnable,
			cacheTTL:        pickDuration(config.DNSCacheTTL, 10*time.Minute),
			refreshInterval: pickDuration(config.DNSRefreshInterval, 5*time.Minute),
			timeout:         pickDuration(config.DNSTimeout, 800*time.Millisecond),
			udpServers:      slices.Clone(config.DNSUDPServers),
			tlsServers:      slices.Clone(config.DNSTLSServers),
			dohEndpoints:    slices.Clone(config.DNSDoHEndpoints),
		},
		dnsCache: make(map[string]dnsCacheEntry),
	}, nil
}

// RegisterCollector adds a collector to every following write
func (e *exporter) RegisterCollector(collector Collector) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.collectors = append(e.collectors, collector)

	e.logger.Debug("Registered metrics collector", zap.String("collector", collector.Name()))
}

// Start launches the write loop and, when enabled, the DNS refresh loop
func (e *exporter) Start() error {
	interval := pickDuration(e.config.RemoteWriteInterval, 15*time.Second)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := e.writeMetrics(); err != nil {
					e.logger.Error("Failed to write metrics", zap.Error(err))
				}
			case <-e.ctx.Done():
				return
			}
		}
	}()

	if e.dnsCfg.enabled && e.targetHost != "" && net.ParseIP(e.targetHost) == nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.dnsCfg.refreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					e.refreshDNS(false)
				case <-e.ctx.Done():
					return
				}
			}
		}()
	}

	e.logger.Info("Metrics exporter started",
		zap.String("url", e.config.RemoteWriteURL), zap.Duration("interval", interval))
	return nil
}

// Stop ends the loops and waits for them
func (e *exporter) Stop() {
	e.cancel()
	e.wg.Wait()
}

// GetMetrics collects from all registered collectors
func (e *exporter) GetMetrics() []Metric {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	var metrics []Metric
	for _, collector := range e.collectors {
		metrics = append(metrics, collector.Collect()...)
	}

	return metrics
}

func (e *exporter) writeMetrics() error {
	metrics := e.GetMetrics()
	if len(metrics) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()

	req := &promwrite.WriteRequest{
		TimeSeries: e.convertToTimeSeries(metrics),
	}

	e.mutex.RLock()
	client := e.client
	e.mutex.RUnlock()

	if _, err := client.Write(ctx, req); err != nil {
		// a moved host shows up as a write error, retry once on fresh addresses
		if e.refreshDNS(true) {
			e.mutex.RLock()
			client = e.client
			e.mutex.RUnlock()
			if _, retryErr := client.Write(ctx, req); retryErr != nil {
				return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}

	return nil
}

// refreshDNS resolves the target host and recreates the client if the
// address set changed
func (e *exporter) refreshDNS(force bool) bool {
	if e.targetHost == "" || net.ParseIP(e.targetHost) != nil {
		return false
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !force && time.Since(e.lastResolve) < time.Minute {
		return false
	}
	e.lastResolve = time.Now()

	if ce, ok := e.dnsCache[e.targetHost]; ok && !force && time.Now().Before(ce.ttl) {
		if slices.Equal(ce.ips, e.resolvedIPs) {
			return false
		}
		e.resolvedIPs = ce.ips
		e.client = promwrite.NewClient(e.config.RemoteWriteURL)
		e.logger.Info("DNS cache hit, refreshed client",
			zap.String("host", e.targetHost), zap.Strings("ips", ce.ips))
		return true
	}

	var (
		ips []string
		err error
	)
	if e.dnsCfg.enabled {
		ips, err = e.resolveFastest(e.targetHost)
	} else {
		ips, err = net.DefaultResolver.LookupHost(e.ctx, e.targetHost)
	}
	if err != nil || len(ips) == 0 {
		e.logger.Warn("DNS lookup failed", zap.String("host", e.targetHost), zap.Error(err))
		return false
	}

	slices.Sort(ips)
	changed := !slices.Equal(ips, e.resolvedIPs)
	e.resolvedIPs = ips

	if e.dnsCfg.enabled {
		e.dnsCache[e.targetHost] = dnsCacheEntry{ips: ips, ttl: time.Now().Add(e.dnsCfg.cacheTTL)}
	}

	if changed || force {
		// new client, new connections
		e.client = promwrite.NewClient(e.config.RemoteWriteURL)
		e.logger.Info("Refreshed remote write client after DNS update",
			zap.String("host", e.targetHost), zap.Strings("ips", ips))
		return true
	}
	return false
}

// resolveFastest queries all configured resolvers concurrently and returns
// the first success
func (e *exporter) resolveFastest(host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.dnsCfg.timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}

	var lookups []func() ([]string, error)
	for _, srv := range e.dnsCfg.udpServers {
		lookups = append(lookups, func() ([]string, error) { return resolveDNS(ctx, host, "udp", srv) })
	}
	for _, srv := range e.dnsCfg.tlsServers {
		lookups = append(lookups, func() ([]string, error) { return resolveDNS(ctx, host, "tcp-tls", srv) })
	}
	for _, ep := range e.dnsCfg.dohEndpoints {
		lookups = append(lookups, func() ([]string, error) { return resolveDoH(ctx, host, ep) })
	}
	// system resolver as fallback
	lookups = append(lookups, func() ([]string, error) { return net.DefaultResolver.LookupHost(ctx, host) })

	ch := make(chan result, len(lookups))
	for _, lookup := range lookups {
		go func() {
			ips, err := lookup()
			ch <- result{ips, err}
		}()
	}

	var firstErr error
	for range lookups {
		select {
		case r := <-ch:
			if r.err == nil && len(r.ips) > 0 {
				return r.ips, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result")
	}
	return nil, firstErr
}

func aRecords(r *dns.Msg) []string {
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}

// resolveDNS asks server over network "udp" or "tcp-tls"
func resolveDNS(ctx context.Context, host, network, server string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: 800 * time.Millisecond}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns failed: %w", network, err)
	}
	if r == nil || r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s dns failed: bad response", network)
	}
	return aRecords(r), nil
}

func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var r dns.Msg
	if err := r.Unpack(body); err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh rcode: %d", r.Rcode)
	}
	return aRecords(&r), nil
}

// convertToTimeSeries converts metrics to promwrite time series
func (e *exporter) convertToTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(metrics))
	prefix := e.config.Namespace + "_" + e.config.Subsystem

	for _, metric := range metrics {
		labels := make([]promwrite.Label, 0, 4+len(e.config.CustomLabels)+len(metric.Labels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: prefix + "_" + metric.Name},
			promwrite.Label{Name: "instance", Value: e.instance},
			promwrite.Label{Name: "session", Value: e.session},
			promwrite.Label{Name: "_target_", Value: e.config.ServiceName},
		)
		for k, v := range e.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		for k, v := range metric.Labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  metric.Timestamp,
				Value: metric.Value,
			},
		})
	}

	return result
}
