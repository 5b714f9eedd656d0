package proxy

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"snipebot/internal/logbus"
)

// HealthChecker probes proxies against a known endpoint and feeds the
// results back into a pool.
type HealthChecker struct {
	probeURL string
	timeout  time.Duration
	bus      *logbus.Bus
}

func NewHealthChecker(probeURL string, timeout time.Duration, bus *logbus.Bus) *HealthChecker {
	if probeURL == "" {
		probeURL = "https://httpbin.org/ip"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthChecker{probeURL: probeURL, timeout: timeout, bus: bus}
}

// Check runs one probe request through the proxy. Any transport error,
// timeout, or non-200 status counts as unhealthy.
func (h *HealthChecker) Check(ctx context.Context, p ProxyInfo) bool {
	client := resty.New().
		SetTimeout(h.timeout).
		SetProxy(p.URL())

	resp, err := client.R().SetContext(ctx).Get(h.probeURL)
	if err != nil {
		return false
	}
	return resp.StatusCode() == 200
}

// CheckResult is the probe outcome for one proxy.
type CheckResult struct {
	Proxy    ProxyInfo     `json:"proxy"`
	Healthy  bool          `json:"healthy"`
	Duration time.Duration `json:"-"`
}

// Report summarizes a full probe pass over a pool.
type Report struct {
	Total     int           `json:"total"`
	Healthy   int           `json:"healthy"`
	Unhealthy int           `json:"unhealthy"`
	Results   []CheckResult `json:"results"`
	Duration  time.Duration `json:"-"`
}

// CheckAll probes every entry in the pool, updates its health flags, and
// returns a per-proxy report.
func (h *HealthChecker) CheckAll(ctx context.Context, pool *Pool) Report {
	started := time.Now()
	report := Report{Total: pool.Len()}

	for _, p := range pool.All() {
		if ctx.Err() != nil {
			break
		}
		at := time.Now()
		ok := h.Check(ctx, p)
		pool.ReportHealth(p, ok)

		report.Results = append(report.Results, CheckResult{
			Proxy:    p,
			Healthy:  ok,
			Duration: time.Since(at),
		})
		if ok {
			report.Healthy++
		} else {
			report.Unhealthy++
		}
	}
	report.Duration = time.Since(started)

	if h.bus != nil {
		h.bus.Log("info", "proxy health check finished", map[string]any{
			"total":     report.Total,
			"healthy":   report.Healthy,
			"unhealthy": report.Unhealthy,
			"tookMs":    report.Duration.Milliseconds(),
		})
	}
	return report
}
