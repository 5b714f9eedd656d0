package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"snipebot/internal/logbus"
	"snipebot/internal/proxy"
)

// Request is one storefront call. Proxy, headers and body are optional.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Proxy   *proxy.ProxyInfo
}

// Response carries whatever the storefront answered. A non-2xx status is a
// valid response, not an error; errors mean the request never produced one
// (DNS, connect, timeout, reset).
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Doer is the HTTP execution capability the checkout and session layers
// consume. The production implementation is Client; tests script their own.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

type Config struct {
	Timeout   time.Duration
	UserAgent string
	// Transport-level retries for flaky connections; resty re-sends on
	// network errors and 5xx answers. Step-level retry budgets live in the
	// checkout flow, not here.
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	Bus          *logbus.Bus
}

// Client executes requests through resty, keeping one configured client per
// proxy so connection pools and cookie jars are reused across attempts.
type Client struct {
	cfg  Config
	base *resty.Client

	mu       sync.Mutex
	perProxy map[string]*resty.Client
}

func New(cfg Config) *Client {
	c := &Client{
		cfg:      cfg,
		perProxy: make(map[string]*resty.Client),
	}
	c.base = c.newResty("")
	return c
}

func (c *Client) newResty(proxyURL string) *resty.Client {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := c.cfg.UserAgent
	if ua == "" {
		ua = "Snipebot/1.0"
	}

	rc := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", ua).
		SetRetryCount(c.cfg.RetryCount).
		SetRetryWaitTime(c.cfg.RetryWait).
		SetRetryMaxWaitTime(c.cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if proxyURL != "" {
		rc.SetProxy(proxyURL)
	}

	if c.cfg.Bus != nil {
		bus := c.cfg.Bus
		rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			bus.Log("debug", "http request", map[string]any{
				"method": req.Method,
				"url":    req.URL,
				"proxy":  proxyURL != "",
			})
			return nil
		})
	}
	return rc
}

func (c *Client) clientFor(p *proxy.ProxyInfo) *resty.Client {
	if p == nil {
		return c.base
	}
	key := p.URL()
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.perProxy[key]; ok {
		return rc
	}
	rc := c.newResty(key)
	c.perProxy[key] = rc
	return rc
}

func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	rc := c.clientFor(req.Proxy)

	r := rc.R().SetContext(ctx)
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}
	if len(req.Body) > 0 {
		if _, ok := req.Headers["Content-Type"]; !ok {
			r.SetHeader("Content-Type", "application/json")
		}
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:  resp.StatusCode(),
		Headers: resp.Header(),
		Body:    resp.Body(),
	}, nil
}
