package checkout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"snipebot/internal/captcha"
	"snipebot/internal/client"
	"snipebot/internal/logbus"
	"snipebot/internal/model"
	"snipebot/internal/proxy"
	"snipebot/internal/retry"
	"snipebot/internal/session"
)

// Step names one stage of the checkout flow. Steps only ever advance; a
// failure records the step it happened in and ends the attempt.
type Step string

const (
	StepValidatingSession   Step = "validating_session"
	StepAddingToCart        Step = "adding_to_cart"
	StepFetchingCheckoutURL Step = "fetching_checkout_url"
	StepFillingShipping     Step = "filling_shipping"
	StepSelectingPayment    Step = "selecting_payment"
	StepCaptchaCheck        Step = "captcha_check"
	StepSubmittingOrder     Step = "submitting_order"
)

type Config struct {
	BaseURL string

	AddToCartAttempts   int
	CheckoutURLAttempts int
	PaymentAttempts     int
	SubmitAttempts      int

	Backoff        retry.Policy
	CaptchaTimeout time.Duration
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:             baseURL,
		AddToCartAttempts:   3,
		CheckoutURLAttempts: 2,
		PaymentAttempts:     2,
		SubmitAttempts:      3,
		Backoff:             retry.Default(),
		CaptchaTimeout:      120 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.BaseURL)
	if c.AddToCartAttempts <= 0 {
		c.AddToCartAttempts = d.AddToCartAttempts
	}
	if c.CheckoutURLAttempts <= 0 {
		c.CheckoutURLAttempts = d.CheckoutURLAttempts
	}
	if c.PaymentAttempts <= 0 {
		c.PaymentAttempts = d.PaymentAttempts
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = d.SubmitAttempts
	}
	if c.CaptchaTimeout <= 0 {
		c.CaptchaTimeout = d.CaptchaTimeout
	}
	return c
}

// Result is the outcome of one checkout attempt and the return value of the
// corresponding task body.
type Result struct {
	Success    bool   `json:"success"`
	OrderID    string `json:"orderId,omitempty"`
	FailedStep Step   `json:"failedStep,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Flow drives products through the checkout state machine. It is stateless
// across attempts and safe for concurrent use; per-attempt state lives in
// the run.
type Flow struct {
	doer     client.Doer
	solver   captcha.Solver
	sessions session.Manager
	pool     *proxy.Pool
	bus      *logbus.Bus
	cfg      Config
}

func NewFlow(doer client.Doer, solver captcha.Solver, sessions session.Manager, cfg Config) *Flow {
	return &Flow{
		doer:     doer,
		solver:   solver,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
	}
}

// WithProxyPool makes each attempt draw an outbound identity from the pool
// and report its health from the attempt's outcome.
func (f *Flow) WithProxyPool(pool *proxy.Pool) *Flow {
	f.pool = pool
	return f
}

func (f *Flow) WithBus(bus *logbus.Bus) *Flow {
	f.bus = bus
	return f
}

// run carries one attempt's state: the chosen proxy and whether any
// network-level failure was seen through it.
type run struct {
	f         *Flow
	proxy     *proxy.ProxyInfo
	netFailed bool
	sess      *model.Session
	product   model.Product
	account   model.Account
}

// Run executes the full state machine for one product/account/session
// triple. It always returns a Result; errors are folded into it together
// with the step they happened in.
func (f *Flow) Run(ctx context.Context, product model.Product, account model.Account, sess *model.Session) Result {
	started := time.Now()
	r := &run{f: f, sess: sess, product: product, account: account}

	if f.pool != nil {
		if p, ok := f.pool.Next(); ok {
			r.proxy = &p
			defer func() { f.pool.ReportHealth(p, !r.netFailed) }()
		}
	}

	f.log("info", "checkout started", map[string]any{
		"productId": product.ID,
		"account":   account.Username,
		"quantity":  product.Quantity,
	})

	res := r.execute(ctx)
	res.DurationMs = time.Since(started).Milliseconds()

	if res.Success {
		f.log("info", "checkout succeeded", map[string]any{
			"productId": product.ID,
			"orderId":   res.OrderID,
			"tookMs":    res.DurationMs,
		})
	} else {
		f.log("warn", "checkout failed", map[string]any{
			"productId": product.ID,
			"step":      string(res.FailedStep),
			"error":     res.Error,
			"tookMs":    res.DurationMs,
		})
	}
	return res
}

func (r *run) execute(ctx context.Context) Result {
	fail := func(step Step, err error) Result {
		return Result{FailedStep: step, Error: err.Error()}
	}

	// Session first: a dead session fails every later step anyway, and
	// re-login mid-flow would desync the cart on the remote side.
	valid, err := r.f.sessions.IsValid(ctx, r.sess)
	if err != nil {
		return fail(StepValidatingSession, err)
	}
	if !valid {
		return fail(StepValidatingSession, model.ErrInvalidSession)
	}

	cartID, err := r.addToCart(ctx)
	if err != nil {
		return fail(StepAddingToCart, err)
	}

	checkoutURL, err := r.fetchCheckoutURL(ctx, cartID)
	if err != nil {
		return fail(StepFetchingCheckoutURL, err)
	}

	if err := r.fillShipping(ctx, checkoutURL); err != nil {
		return fail(StepFillingShipping, err)
	}

	if err := r.selectPayment(ctx, checkoutURL); err != nil {
		return fail(StepSelectingPayment, err)
	}

	token, err := r.captchaCheck(ctx, checkoutURL)
	if err != nil {
		return fail(StepCaptchaCheck, err)
	}

	orderID, err := r.submitOrder(ctx, checkoutURL, token)
	if err != nil {
		return fail(StepSubmittingOrder, err)
	}

	return Result{Success: true, OrderID: orderID}
}

// withRetry runs fn under the step's attempt budget, backing off between
// transient failures. Permanent business failures stop immediately.
func (r *run) withRetry(ctx context.Context, step Step, attempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if !r.f.cfg.Backoff.Sleep(ctx, attempt-1) {
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if model.IsPermanent(err) {
			return err
		}
		lastErr = err
		r.f.log("debug", "step attempt failed", map[string]any{
			"step":    string(step),
			"attempt": attempt + 1,
			"of":      attempts,
			"error":   err.Error(),
		})
	}
	return fmt.Errorf("%s: no attempts left after %d tries: %w", step, attempts, lastErr)
}

type cartAddResponse struct {
	Success bool   `json:"success"`
	CartID  string `json:"cartId"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r *run) addToCart(ctx context.Context) (string, error) {
	var cartID string
	err := r.withRetry(ctx, StepAddingToCart, r.f.cfg.AddToCartAttempts, func() error {
		body, _ := json.Marshal(map[string]any{
			"productId":    r.product.ID,
			"quantity":     r.product.Quantity,
			"sessionToken": r.sess.Token,
		})
		resp, err := r.do(ctx, http.MethodPost, r.f.cfg.BaseURL+"/cart/add", body)
		if err != nil {
			return err
		}
		var parsed cartAddResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return fmt.Errorf("bad cart response: %w", err)
		}
		if !parsed.Success {
			return businessError(parsed.Code, parsed.Message, "add to cart rejected")
		}
		if parsed.CartID == "" {
			return errors.New("cart response carried no cartId")
		}
		cartID = parsed.CartID
		return nil
	})
	return cartID, err
}

type checkoutURLResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

func (r *run) fetchCheckoutURL(ctx context.Context, cartID string) (string, error) {
	var checkoutURL string
	err := r.withRetry(ctx, StepFetchingCheckoutURL, r.f.cfg.CheckoutURLAttempts, func() error {
		resp, err := r.do(ctx, http.MethodGet, r.f.cfg.BaseURL+"/cart/"+cartID+"/checkout", nil)
		if err != nil {
			return err
		}
		var parsed checkoutURLResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return fmt.Errorf("bad checkout-url response: %w", err)
		}
		if parsed.CheckoutURL == "" {
			return errors.New("response carried no checkoutUrl")
		}
		checkoutURL = parsed.CheckoutURL
		return nil
	})
	return checkoutURL, err
}

func (r *run) fillShipping(ctx context.Context, checkoutURL string) error {
	body, _ := json.Marshal(map[string]any{
		"address":      r.account.ShippingAddress,
		"sessionToken": r.sess.Token,
	})
	_, err := r.do(ctx, http.MethodPost, checkoutURL+"/shipping", body)
	return err
}

func (r *run) selectPayment(ctx context.Context, checkoutURL string) error {
	return r.withRetry(ctx, StepSelectingPayment, r.f.cfg.PaymentAttempts, func() error {
		body, _ := json.Marshal(map[string]any{
			"paymentMethod": r.account.PaymentMethod,
			"sessionToken":  r.sess.Token,
		})
		_, err := r.do(ctx, http.MethodPost, checkoutURL+"/payment", body)
		return err
	})
}

type captchaCheckResponse struct {
	HasCaptcha bool   `json:"hasCaptcha"`
	Type       string `json:"type,omitempty"`
	SiteKey    string `json:"siteKey,omitempty"`
	PageURL    string `json:"pageUrl,omitempty"`
	ImageB64   string `json:"imageB64,omitempty"`
}

// captchaCheck inspects the checkout page for a challenge and, if one is
// present, hands off to the solver under its own timeout. The returned
// token is empty when no challenge was posed.
func (r *run) captchaCheck(ctx context.Context, checkoutURL string) (string, error) {
	resp, err := r.do(ctx, http.MethodGet, checkoutURL+"/captcha-check", nil)
	if err != nil {
		return "", err
	}
	var parsed captchaCheckResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", fmt.Errorf("bad captcha-check response: %w", err)
	}
	if !parsed.HasCaptcha {
		return "", nil
	}

	r.f.log("info", "captcha challenge posed", map[string]any{
		"productId": r.product.ID,
		"type":      parsed.Type,
	})

	solveCtx, cancel := context.WithTimeout(ctx, r.f.cfg.CaptchaTimeout)
	defer cancel()

	switch parsed.Type {
	case "image":
		image, err := base64.StdEncoding.DecodeString(parsed.ImageB64)
		if err != nil {
			return "", fmt.Errorf("bad captcha image payload: %w", err)
		}
		token, err := r.f.solver.SolveImage(solveCtx, image)
		if err != nil {
			return "", fmt.Errorf("solve image captcha: %w", err)
		}
		return token, nil
	case "recaptcha_v2", "recaptcha":
		pageURL := parsed.PageURL
		if pageURL == "" {
			pageURL = checkoutURL
		}
		token, err := r.f.solver.SolveRecaptcha(solveCtx, parsed.SiteKey, pageURL)
		if err != nil {
			return "", fmt.Errorf("solve recaptcha: %w", err)
		}
		return token, nil
	default:
		return "", fmt.Errorf("unknown captcha type %q", parsed.Type)
	}
}

type submitResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r *run) submitOrder(ctx context.Context, checkoutURL, captchaToken string) (string, error) {
	var orderID string
	err := r.withRetry(ctx, StepSubmittingOrder, r.f.cfg.SubmitAttempts, func() error {
		payload := map[string]any{"sessionToken": r.sess.Token}
		if captchaToken != "" {
			payload["captchaToken"] = captchaToken
		}
		body, _ := json.Marshal(payload)
		resp, err := r.do(ctx, http.MethodPost, checkoutURL+"/submit", body)
		if err != nil {
			return err
		}
		var parsed submitResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return fmt.Errorf("bad submit response: %w", err)
		}
		if !parsed.Success {
			return businessError(parsed.Code, parsed.Error, "order submission rejected")
		}
		if parsed.OrderID == "" {
			return errors.New("submit response carried no orderId")
		}
		orderID = parsed.OrderID
		return nil
	})
	return orderID, err
}

// do issues one request through the flow's transport, tagging the run when
// the failure was network-level so the proxy's health report is accurate.
// Non-2xx statuses become errors here: 401/403 are permanent (the session is
// gone), everything else is transient.
func (r *run) do(ctx context.Context, method, url string, body []byte) (*client.Response, error) {
	resp, err := r.f.doer.Do(ctx, client.Request{
		Method: method,
		URL:    url,
		Body:   body,
		Proxy:  r.proxy,
	})
	if err != nil {
		r.netFailed = true
		return nil, err
	}
	switch {
	case resp.OK():
		return resp, nil
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return nil, model.ErrInvalidSession
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.Status)
	}
}

// businessError classifies a rejected storefront answer: known business
// codes are permanent, anything else stays retryable.
func businessError(code, message, fallback string) error {
	if message == "" {
		message = fallback
	}
	switch code {
	case "OUT_OF_STOCK":
		return model.ErrOutOfStock
	case "INVALID_SESSION":
		return model.ErrInvalidSession
	case "INVALID_COUPON", "PURCHASE_LIMIT":
		return model.Permanent(message)
	}
	return errors.New(message)
}

func (f *Flow) log(level, msg string, fields map[string]any) {
	if f.bus != nil {
		f.bus.Log(level, msg, fields)
	}
}
