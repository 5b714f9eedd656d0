package proxy

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProxyInfo identifies one outbound network identity.
type ProxyInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (p ProxyInfo) Addr() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// URL renders the proxy as an http proxy URL with optional basic auth.
func (p ProxyInfo) URL() string {
	u := url.URL{Scheme: "http", Host: p.Addr()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

type entry struct {
	info ProxyInfo

	mu          sync.RWMutex
	healthy     bool
	lastChecked time.Time
}

// Pool hands out proxies round-robin, skipping entries reported unhealthy.
// The cursor is a single atomic counter so concurrent callers never observe
// the same cursor value twice; health flags sit behind a per-entry RWMutex so
// reads do not serialize behind each other.
type Pool struct {
	entries []*entry
	cursor  atomic.Uint64
}

func NewPool(proxies []ProxyInfo) (*Pool, error) {
	if len(proxies) == 0 {
		return nil, fmt.Errorf("proxy pool needs at least one entry")
	}
	entries := make([]*entry, 0, len(proxies))
	for _, p := range proxies {
		entries = append(entries, &entry{info: p, healthy: true})
	}
	return &Pool{entries: entries}, nil
}

// PoolFromFile loads a proxy list: one "host:port" or "host:port:user:pass"
// per line, blank lines and "#" comments ignored. Malformed input fails
// construction with the offending line.
func PoolFromFile(path string) (*Pool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	proxies, err := ParseList(string(b))
	if err != nil {
		return nil, err
	}
	return NewPool(proxies)
}

func ParseList(content string) ([]ProxyInfo, error) {
	var out []ProxyInfo
	for i, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		switch len(parts) {
		case 2, 4:
		default:
			return nil, fmt.Errorf("proxy list line %d: expected host:port or host:port:user:pass, got %q", i+1, line)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("proxy list line %d: invalid port %q", i+1, parts[1])
		}
		p := ProxyInfo{Host: parts[0], Port: port}
		if len(parts) == 4 {
			p.Username = parts[2]
			p.Password = parts[3]
		}
		out = append(out, p)
	}
	return out, nil
}

// Next returns the next proxy in rotation, skipping unhealthy entries. When
// every entry is unhealthy it returns the cursor's entry anyway so callers
// keep probing and a recovered proxy can earn its flag back; the bool is
// false only for an empty pool.
func (pl *Pool) Next() (ProxyInfo, bool) {
	n := len(pl.entries)
	if n == 0 {
		return ProxyInfo{}, false
	}
	start := int((pl.cursor.Add(1) - 1) % uint64(n))
	for i := 0; i < n; i++ {
		e := pl.entries[(start+i)%n]
		e.mu.RLock()
		ok := e.healthy
		e.mu.RUnlock()
		if ok {
			return e.info, true
		}
	}
	return pl.entries[start].info, true
}

// ReportHealth records the outcome of a real attempt through the proxy.
func (pl *Pool) ReportHealth(p ProxyInfo, healthy bool) {
	if e := pl.find(p); e != nil {
		e.mu.Lock()
		e.healthy = healthy
		e.lastChecked = time.Now()
		e.mu.Unlock()
	}
}

func (pl *Pool) IsHealthy(p ProxyInfo) bool {
	e := pl.find(p)
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

func (pl *Pool) Len() int { return len(pl.entries) }

func (pl *Pool) HealthyCount() int {
	n := 0
	for _, e := range pl.entries {
		e.mu.RLock()
		if e.healthy {
			n++
		}
		e.mu.RUnlock()
	}
	return n
}

func (pl *Pool) All() []ProxyInfo {
	out := make([]ProxyInfo, 0, len(pl.entries))
	for _, e := range pl.entries {
		out = append(out, e.info)
	}
	return out
}

func (pl *Pool) MarkAllHealthy() {
	now := time.Now()
	for _, e := range pl.entries {
		e.mu.Lock()
		e.healthy = true
		e.lastChecked = now
		e.mu.Unlock()
	}
}

// Status is a point-in-time view of one pool entry.
type Status struct {
	Proxy       ProxyInfo `json:"proxy"`
	Healthy     bool      `json:"healthy"`
	LastChecked int64     `json:"lastCheckedMs,omitempty"`
}

func (pl *Pool) Snapshot() []Status {
	out := make([]Status, 0, len(pl.entries))
	for _, e := range pl.entries {
		e.mu.RLock()
		st := Status{Proxy: e.info, Healthy: e.healthy}
		if !e.lastChecked.IsZero() {
			st.LastChecked = e.lastChecked.UnixMilli()
		}
		e.mu.RUnlock()
		out = append(out, st)
	}
	return out
}

func (pl *Pool) find(p ProxyInfo) *entry {
	for _, e := range pl.entries {
		if e.info.Host == p.Host && e.info.Port == p.Port {
			return e
		}
	}
	return nil
}
