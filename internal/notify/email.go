package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"snipebot/internal/logbus"
	"snipebot/internal/model"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

type orderEvent struct {
	orderID string
	product model.Product
	account model.Account
	at      time.Time
}

// EmailNotifier mails a short confirmation for each placed order. Events go
// through a bounded queue and a single sender goroutine; when the queue is
// full the event is dropped with a log line rather than stalling checkout.
type EmailNotifier struct {
	cfg SMTPConfig
	bus *logbus.Bus

	queue  chan orderEvent
	cancel func()
	wg     sync.WaitGroup

	send func(m *gomail.Message) error
}

func NewEmailNotifier(cfg SMTPConfig, bus *logbus.Bus) (*EmailNotifier, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp notifier needs host, from and at least one recipient")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}

	ctx, cancel := context.WithCancel(context.Background())
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	n := &EmailNotifier{
		cfg:    cfg,
		bus:    bus,
		queue:  make(chan orderEvent, 64),
		cancel: cancel,
		send:   dialer.DialAndSend,
	}
	n.wg.Add(1)
	go n.loop(ctx)
	return n, nil
}

func (n *EmailNotifier) AnnounceOrder(_ context.Context, orderID string, product model.Product, account model.Account) error {
	evt := orderEvent{orderID: orderID, product: product, account: account, at: time.Now()}
	select {
	case n.queue <- evt:
		return nil
	default:
		n.log("warn", "order notification dropped: queue full", map[string]any{
			"orderId":   orderID,
			"productId": product.ID,
		})
		return fmt.Errorf("notification queue full")
	}
}

// Close stops the sender after draining queued events, bounded by ctx.
func (n *EmailNotifier) Close(ctx context.Context) error {
	n.cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) loop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case evt := <-n.queue:
			n.deliver(evt)
		case <-ctx.Done():
			for {
				select {
				case evt := <-n.queue:
					n.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (n *EmailNotifier) deliver(evt orderEvent) {
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", n.cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("Order placed: %s", evt.product.Name))
	m.SetBody("text/plain", fmt.Sprintf(
		"Order %s placed at %s\n\nProduct: %s (%s)\nQuantity: %d\nPrice: %.2f\nAccount: %s\n",
		evt.orderID, evt.at.Format(time.RFC3339),
		evt.product.Name, evt.product.ID, evt.product.Quantity, evt.product.Price,
		evt.account.Username,
	))

	if err := n.send(m); err != nil {
		n.log("warn", "order mail failed", map[string]any{
			"orderId": evt.orderID,
			"error":   err.Error(),
		})
		return
	}
	n.log("info", "order mail sent", map[string]any{"orderId": evt.orderID})
}

func (n *EmailNotifier) log(level, msg string, fields map[string]any) {
	if n.bus != nil {
		n.bus.Log(level, msg, fields)
	}
}
