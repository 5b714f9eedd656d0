package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"snipebot/internal/client"
	"snipebot/internal/logbus"
	"snipebot/internal/model"
)

// Availability is one observed poll of a product listing.
type Availability struct {
	ProductID string    `json:"productId"`
	Available bool      `json:"available"`
	Price     float64   `json:"price,omitempty"`
	Stock     int       `json:"stock,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Event fires when a watched product flips from unavailable to available.
type Event struct {
	Product      model.Product `json:"product"`
	Availability Availability  `json:"availability"`
}

type Config struct {
	BaseURL  string
	Interval time.Duration
	// QPS/Burst bound the polling rate across all watched products, so
	// adding products never multiplies the load on the storefront.
	QPS   float64
	Burst int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.QPS <= 0 {
		c.QPS = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	return c
}

// Watcher polls watched products for availability and publishes an Event on
// each unavailable-to-available transition. Each product gets its own
// goroutine; a shared limiter keeps the aggregate request rate bounded.
type Watcher struct {
	doer    client.Doer
	bus     *logbus.Bus
	cfg     Config
	limiter *rate.Limiter
	events  chan Event

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	last    map[string]Availability
	closed  bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewWatcher(doer client.Doer, cfg Config, bus *logbus.Bus) *Watcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		doer:      doer,
		bus:       bus,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst),
		events:    make(chan Event, 16),
		cancels:   make(map[string]context.CancelFunc),
		last:      make(map[string]Availability),
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// Events delivers availability transitions. The channel closes on Close.
func (w *Watcher) Events() <-chan Event { return w.events }

var ErrClosed = errors.New("watcher is closed")

// Watch starts polling the product. Watching the same product twice is a
// no-op, not an error.
func (w *Watcher) Watch(product model.Product) error {
	if product.ID == "" {
		return errors.New("product needs an id")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.cancels[product.ID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(w.runCtx)
	w.cancels[product.ID] = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop(ctx, product)
	}()

	w.log("info", "watching product", map[string]any{"productId": product.ID})
	return nil
}

// Unwatch stops polling the product. Unknown ids are ignored.
func (w *Watcher) Unwatch(productID string) {
	w.mu.Lock()
	cancel := w.cancels[productID]
	delete(w.cancels, productID)
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		w.log("info", "stopped watching product", map[string]any{"productId": productID})
	}
}

func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.cancels))
	for id := range w.cancels {
		out = append(out, id)
	}
	return out
}

// Last returns the most recent observation for the product.
func (w *Watcher) Last(productID string) (Availability, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.last[productID]
	return a, ok
}

// Close stops every watch loop and closes the event channel.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.cancels = map[string]context.CancelFunc{}
	w.mu.Unlock()

	w.runCancel()
	w.wg.Wait()
	close(w.events)
}

func (w *Watcher) watchLoop(ctx context.Context, product model.Product) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// First poll happens immediately so a product that is already live is
	// caught without waiting a full interval.
	w.poll(ctx, product)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx, product)
		}
	}
}

type availabilityResponse struct {
	Available bool    `json:"available"`
	Price     float64 `json:"price,omitempty"`
	Stock     int     `json:"stock,omitempty"`
}

func (w *Watcher) poll(ctx context.Context, product model.Product) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	obs, err := w.check(ctx, product.ID)
	if err != nil {
		w.log("debug", "availability poll failed", map[string]any{
			"productId": product.ID,
			"error":     err.Error(),
		})
		return
	}

	w.mu.Lock()
	prev, seen := w.last[product.ID]
	w.last[product.ID] = obs
	w.mu.Unlock()

	if obs.Available && (!seen || !prev.Available) {
		w.log("info", "product became available", map[string]any{
			"productId": product.ID,
			"price":     obs.Price,
			"stock":     obs.Stock,
		})
		select {
		case w.events <- Event{Product: product, Availability: obs}:
		case <-ctx.Done():
		}
	}
}

func (w *Watcher) check(ctx context.Context, productID string) (Availability, error) {
	resp, err := w.doer.Do(ctx, client.Request{
		Method: http.MethodGet,
		URL:    w.cfg.BaseURL + "/products/" + productID + "/availability",
	})
	if err != nil {
		return Availability{}, err
	}
	if !resp.OK() {
		return Availability{}, fmt.Errorf("unexpected status %d", resp.Status)
	}
	var body availabilityResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Availability{}, fmt.Errorf("bad availability response: %w", err)
	}
	return Availability{
		ProductID: productID,
		Available: body.Available,
		Price:     body.Price,
		Stock:     body.Stock,
		CheckedAt: time.Now(),
	}, nil
}

func (w *Watcher) log(level, msg string, fields map[string]any) {
	if w.bus != nil {
		w.bus.Log(level, msg, fields)
	}
}
