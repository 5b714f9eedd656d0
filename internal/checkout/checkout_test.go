package checkout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"snipebot/internal/captcha"
	"snipebot/internal/client"
	"snipebot/internal/model"
	"snipebot/internal/proxy"
	"snipebot/internal/retry"
)

// stubShop scripts the storefront side of the flow. Endpoints are keyed by
// their path suffix; failures[ep] counts down transient errors before the
// endpoint starts answering, reject[ep] makes it answer with a business code.
type stubShop struct {
	mu       sync.Mutex
	failures map[string]int
	netFail  map[string]int
	reject   map[string]string
	captcha  *captchaCheckResponse
	calls    map[string]int

	lastSubmitToken string
}

func newStubShop() *stubShop {
	return &stubShop{
		failures: map[string]int{},
		netFail:  map[string]int{},
		reject:   map[string]string{},
		calls:    map[string]int{},
	}
}

func (s *stubShop) endpoint(url string) string {
	switch {
	case strings.HasSuffix(url, "/cart/add"):
		return "cart/add"
	case strings.HasSuffix(url, "/checkout"):
		return "checkout-url"
	case strings.HasSuffix(url, "/shipping"):
		return "shipping"
	case strings.HasSuffix(url, "/payment"):
		return "payment"
	case strings.HasSuffix(url, "/captcha-check"):
		return "captcha-check"
	case strings.HasSuffix(url, "/submit"):
		return "submit"
	}
	return "unknown"
}

func (s *stubShop) Do(ctx context.Context, req client.Request) (*client.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep := s.endpoint(req.URL)
	s.calls[ep]++

	if s.netFail[ep] > 0 {
		s.netFail[ep]--
		return nil, errors.New("connection reset by peer")
	}
	if s.failures[ep] > 0 {
		s.failures[ep]--
		return &client.Response{Status: 500}, nil
	}

	answer := func(v any) (*client.Response, error) {
		b, _ := json.Marshal(v)
		return &client.Response{Status: 200, Body: b}, nil
	}

	switch ep {
	case "cart/add":
		if code := s.reject[ep]; code != "" {
			return answer(cartAddResponse{Success: false, Code: code, Message: "rejected by shop"})
		}
		return answer(cartAddResponse{Success: true, CartID: "c1"})
	case "checkout-url":
		return answer(checkoutURLResponse{CheckoutURL: "https://shop.test/co/c1"})
	case "shipping", "payment":
		return answer(map[string]bool{"success": true})
	case "captcha-check":
		if s.captcha != nil {
			return answer(s.captcha)
		}
		return answer(captchaCheckResponse{HasCaptcha: false})
	case "submit":
		var body struct {
			CaptchaToken string `json:"captchaToken"`
		}
		_ = json.Unmarshal(req.Body, &body)
		s.lastSubmitToken = body.CaptchaToken
		if code := s.reject[ep]; code != "" {
			return answer(submitResponse{Success: false, Code: code, Error: "rejected by shop"})
		}
		return answer(submitResponse{Success: true, OrderID: "ORD-1"})
	}
	return &client.Response{Status: 404}, nil
}

func (s *stubShop) callCount(ep string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[ep]
}

type stubSessions struct {
	valid bool
	err   error
}

func (s stubSessions) IsValid(context.Context, *model.Session) (bool, error) {
	return s.valid, s.err
}

func (s stubSessions) Login(context.Context, model.Credentials) (*model.Session, error) {
	return nil, errors.New("not supported in tests")
}

func fastConfig() Config {
	cfg := DefaultConfig("https://shop.test")
	cfg.Backoff = retry.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
	return cfg
}

func testFlow(shop *stubShop, solver captcha.Solver, cfg Config) *Flow {
	if solver == nil {
		solver = &captcha.Mock{ImageToken: "img-tok", RecaptchaToken: "rc-tok"}
	}
	return NewFlow(shop, solver, stubSessions{valid: true}, cfg)
}

func testSession() *model.Session {
	s := model.NewSession("sess-1")
	s.Token = "tok"
	return s
}

func testProduct() model.Product {
	return model.NewProduct("PROD123", "Limited Sneaker", "https://shop.test/p/PROD123").
		WithPrice(59.99).
		WithQuantity(2)
}

func testAccount() model.Account {
	return model.Account{
		ID:            "acct-1",
		Username:      "buyer",
		PaymentMethod: "credit_card",
		ShippingAddress: model.ShippingAddress{
			Name:  "Buyer One",
			Line1: "1 Main St",
			City:  "Springfield",
		},
	}
}

func TestRunHappyPath(t *testing.T) {
	shop := newStubShop()
	f := testFlow(shop, nil, fastConfig())

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if !res.Success {
		t.Fatalf("Run failed at %s: %s", res.FailedStep, res.Error)
	}
	if res.OrderID != "ORD-1" {
		t.Fatalf("orderId = %q, want ORD-1", res.OrderID)
	}
	if res.FailedStep != "" || res.Error != "" {
		t.Fatalf("clean success must carry no failure, got %+v", res)
	}
	for _, ep := range []string{"cart/add", "checkout-url", "shipping", "payment", "captcha-check", "submit"} {
		if n := shop.callCount(ep); n != 1 {
			t.Fatalf("%s called %d times, want 1", ep, n)
		}
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	shop := newStubShop()
	shop.failures["cart/add"] = 2
	f := testFlow(shop, nil, fastConfig())

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if !res.Success {
		t.Fatalf("Run failed at %s: %s", res.FailedStep, res.Error)
	}
	if n := shop.callCount("cart/add"); n != 3 {
		t.Fatalf("cart/add called %d times, want 3", n)
	}
}

func TestRunBudgetExhausted(t *testing.T) {
	shop := newStubShop()
	shop.failures["cart/add"] = 100
	f := testFlow(shop, nil, fastConfig())

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if res.Success {
		t.Fatal("Run must fail once the budget is spent")
	}
	if res.FailedStep != StepAddingToCart {
		t.Fatalf("failed step = %s, want %s", res.FailedStep, StepAddingToCart)
	}
	if n := shop.callCount("cart/add"); n != 3 {
		t.Fatalf("cart/add called %d times, want exactly the budget of 3", n)
	}
	if n := shop.callCount("checkout-url"); n != 0 {
		t.Fatalf("flow advanced past a failed step: checkout-url called %d times", n)
	}
}

func TestRunPermanentFailureShortCircuits(t *testing.T) {
	shop := newStubShop()
	shop.reject["cart/add"] = "OUT_OF_STOCK"
	f := testFlow(shop, nil, fastConfig())

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if res.Success {
		t.Fatal("out of stock must fail the run")
	}
	if res.FailedStep != StepAddingToCart {
		t.Fatalf("failed step = %s, want %s", res.FailedStep, StepAddingToCart)
	}
	if n := shop.callCount("cart/add"); n != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", n)
	}
	if !strings.Contains(res.Error, "out of stock") {
		t.Fatalf("error = %q, want the business reason", res.Error)
	}
}

func TestRunInvalidSession(t *testing.T) {
	shop := newStubShop()
	f := NewFlow(shop, &captcha.Mock{}, stubSessions{valid: false}, fastConfig())

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if res.Success || res.FailedStep != StepValidatingSession {
		t.Fatalf("got %+v, want failure at %s", res, StepValidatingSession)
	}
	if n := shop.callCount("cart/add"); n != 0 {
		t.Fatal("no storefront calls may happen on a dead session")
	}
}

func TestRunSessionCheckError(t *testing.T) {
	shop := newStubShop()
	f := NewFlow(shop, &captcha.Mock{}, stubSessions{err: errors.New("dns failure")}, fastConfig())

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if res.Success || res.FailedStep != StepValidatingSession {
		t.Fatalf("got %+v, want failure at %s", res, StepValidatingSession)
	}
}

func TestRunSolvesImageCaptcha(t *testing.T) {
	shop := newStubShop()
	shop.captcha = &captchaCheckResponse{
		HasCaptcha: true,
		Type:       "image",
		ImageB64:   base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	}
	f := testFlow(shop, &captcha.Mock{ImageToken: "img-tok"}, fastConfig())

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if !res.Success {
		t.Fatalf("Run failed at %s: %s", res.FailedStep, res.Error)
	}
	if shop.lastSubmitToken != "img-tok" {
		t.Fatalf("submit token = %q, want img-tok", shop.lastSubmitToken)
	}
}

func TestRunSolvesRecaptcha(t *testing.T) {
	shop := newStubShop()
	shop.captcha = &captchaCheckResponse{
		HasCaptcha: true,
		Type:       "recaptcha_v2",
		SiteKey:    "site-key",
		PageURL:    "https://shop.test/co/c1",
	}
	f := testFlow(shop, &captcha.Mock{RecaptchaToken: "rc-tok"}, fastConfig())

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if !res.Success {
		t.Fatalf("Run failed at %s: %s", res.FailedStep, res.Error)
	}
	if shop.lastSubmitToken != "rc-tok" {
		t.Fatalf("submit token = %q, want rc-tok", shop.lastSubmitToken)
	}
}

func TestRunCaptchaTimeout(t *testing.T) {
	shop := newStubShop()
	shop.captcha = &captchaCheckResponse{HasCaptcha: true, Type: "recaptcha_v2", SiteKey: "k"}

	slow := &captcha.Mock{
		RecaptchaToken: "never-delivered",
		Delay: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	cfg := fastConfig()
	cfg.CaptchaTimeout = 20 * time.Millisecond
	f := testFlow(shop, slow, cfg)

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if res.Success || res.FailedStep != StepCaptchaCheck {
		t.Fatalf("got %+v, want failure at %s", res, StepCaptchaCheck)
	}
	if n := shop.callCount("submit"); n != 0 {
		t.Fatal("an unsolved captcha must block submission")
	}
}

func TestRunReportsProxyHealth(t *testing.T) {
	pool, err := proxy.NewPool([]proxy.ProxyInfo{{Host: "10.0.0.1", Port: 8080}})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p := pool.All()[0]

	shop := newStubShop()
	shop.netFail["shipping"] = 100
	f := testFlow(shop, nil, fastConfig()).WithProxyPool(pool)

	res := f.Run(context.Background(), testProduct(), testAccount(), testSession())
	if res.Success || res.FailedStep != StepFillingShipping {
		t.Fatalf("got %+v, want failure at %s", res, StepFillingShipping)
	}
	if pool.IsHealthy(p) {
		t.Fatal("network failure through the proxy must mark it unhealthy")
	}

	// A clean run through the same proxy earns the flag back.
	shop = newStubShop()
	f = testFlow(shop, nil, fastConfig()).WithProxyPool(pool)
	if res := f.Run(context.Background(), testProduct(), testAccount(), testSession()); !res.Success {
		t.Fatalf("Run failed at %s: %s", res.FailedStep, res.Error)
	}
	if !pool.IsHealthy(p) {
		t.Fatal("clean run must restore the proxy's health flag")
	}
}

func TestRunNonNetworkFailureKeepsProxyHealthy(t *testing.T) {
	pool, err := proxy.NewPool([]proxy.ProxyInfo{{Host: "10.0.0.1", Port: 8080}})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	shop := newStubShop()
	shop.reject["cart/add"] = "OUT_OF_STOCK"
	f := testFlow(shop, nil, fastConfig()).WithProxyPool(pool)

	if res := f.Run(context.Background(), testProduct(), testAccount(), testSession()); res.Success {
		t.Fatal("out of stock must fail the run")
	}
	if !pool.IsHealthy(pool.All()[0]) {
		t.Fatal("a business rejection says nothing about the proxy")
	}
}

type recordedOrder struct {
	orderID   string
	product   model.Product
	accountID string
}

type memorySink struct {
	mu     sync.Mutex
	orders []recordedOrder
}

func (m *memorySink) RecordOrder(_ context.Context, orderID string, p model.Product, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, recordedOrder{orderID, p, accountID})
	return nil
}

func TestTaskExecute(t *testing.T) {
	shop := newStubShop()
	sink := &memorySink{}
	task := &Task{
		Flow:    testFlow(shop, nil, fastConfig()),
		Product: testProduct(),
		Account: testAccount(),
		Session: testSession(),
		Orders:  sink,
	}
	if err := task.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if task.Name() != "checkout:PROD123" {
		t.Fatalf("Name = %q", task.Name())
	}

	v, err := task.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, ok := v.(Result)
	if !ok || !res.Success || res.OrderID != "ORD-1" {
		t.Fatalf("value = %#v, want a successful Result", v)
	}
	if len(sink.orders) != 1 || sink.orders[0].orderID != "ORD-1" || sink.orders[0].accountID != "acct-1" {
		t.Fatalf("sink = %+v, want the placed order", sink.orders)
	}
}

func TestTaskExecuteFailureCarriesStep(t *testing.T) {
	shop := newStubShop()
	shop.reject["submit"] = "PURCHASE_LIMIT"
	task := &Task{
		Flow:    testFlow(shop, nil, fastConfig()),
		Product: testProduct(),
		Account: testAccount(),
		Session: testSession(),
	}

	_, err := task.Execute(context.Background())
	if err == nil {
		t.Fatal("failed checkout must surface an error")
	}
	if got := FailedStepFromError(err); got != StepSubmittingOrder {
		t.Fatalf("FailedStepFromError = %q, want %s", got, StepSubmittingOrder)
	}
}
