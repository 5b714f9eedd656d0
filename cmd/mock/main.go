package main

import (
	crand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Mock storefront for local end-to-end runs. Knobs:
//
//	-fail-rate    probability that cart/payment/submit answer 500 once
//	-captcha      none|image|recaptcha challenge posed at captcha-check
//	-stock        remaining stock; 0 makes cart/add answer OUT_OF_STOCK
//	-live-after   availability polls before the product goes live
func main() {
	addr := flag.String("addr", ":8080", "listen address")
	failRate := flag.Float64("fail-rate", 0, "transient failure probability per request")
	captchaMode := flag.String("captcha", "none", "captcha challenge: none, image or recaptcha")
	stock := flag.Int("stock", 100, "remaining stock")
	liveAfter := flag.Int("live-after", 0, "availability polls before the product goes live")
	flag.Parse()

	s := &shop{
		failRate:    *failRate,
		captchaMode: *captchaMode,
		stock:       *stock,
		liveAfter:   *liveAfter,
		tokens:      map[string]bool{},
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("mock storefront listening on %s", *addr)
	log.Fatal(srv.ListenAndServe())
}

type shop struct {
	failRate    float64
	captchaMode string
	liveAfter   int

	mu     sync.Mutex
	stock  int
	polls  int
	tokens map[string]bool
}

func (s *shop) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/mock/login", s.handleLogin)
	mux.HandleFunc("/mock/session/validate", s.handleValidate)
	mux.HandleFunc("/mock/cart/add", s.handleCartAdd)
	mux.HandleFunc("/mock/cart/", s.handleCheckoutURL)
	mux.HandleFunc("/mock/co/", s.handleCheckoutSteps)
	mux.HandleFunc("/mock/products/", s.handleAvailability)
	return mux
}

func (s *shop) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Username == "" || body.Password == "wrong" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "bad credentials"})
		return
	}

	token := "mock_token_" + randString(12)
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"cookies": map[string]string{"sid": randString(16)},
	})
}

func (s *shop) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	s.mu.Lock()
	known := s.tokens[token]
	s.mu.Unlock()
	// Tokens minted elsewhere are accepted too so the bot can be pointed
	// here with a canned session.
	valid := known || strings.HasPrefix(token, "tok")
	if token == "" || token == "expired" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid})
}

func (s *shop) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.flaky(w) {
		return
	}
	var body struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stock < body.Quantity {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"code":    "OUT_OF_STOCK",
			"message": "product out of stock",
		})
		return
	}
	s.stock -= body.Quantity
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cartId":  "cart_" + randString(8),
	})
}

func (s *shop) handleCheckoutURL(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/checkout") {
		http.NotFound(w, r)
		return
	}
	if s.flaky(w) {
		return
	}
	cartID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/mock/cart/"), "/checkout")
	writeJSON(w, http.StatusOK, map[string]any{
		"checkoutUrl": "http://" + r.Host + "/mock/co/" + cartID,
	})
}

func (s *shop) handleCheckoutSteps(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/shipping"), strings.HasSuffix(r.URL.Path, "/payment"):
		if s.flaky(w) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case strings.HasSuffix(r.URL.Path, "/captcha-check"):
		s.handleCaptchaCheck(w, r)
	case strings.HasSuffix(r.URL.Path, "/submit"):
		s.handleSubmit(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *shop) handleCaptchaCheck(w http.ResponseWriter, r *http.Request) {
	switch s.captchaMode {
	case "image":
		writeJSON(w, http.StatusOK, map[string]any{
			"hasCaptcha": true,
			"type":       "image",
			"imageB64":   base64.StdEncoding.EncodeToString([]byte("mock-captcha-image")),
		})
	case "recaptcha":
		writeJSON(w, http.StatusOK, map[string]any{
			"hasCaptcha": true,
			"type":       "recaptcha_v2",
			"siteKey":    "mock-site-key",
			"pageUrl":    "http://" + r.Host + r.URL.Path,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"hasCaptcha": false})
	}
}

func (s *shop) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.flaky(w) {
		return
	}
	var body struct {
		CaptchaToken string `json:"captchaToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if s.captchaMode != "none" && body.CaptchaToken == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   "captcha token missing",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"orderId": "ORD-" + randString(10),
	})
}

func (s *shop) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/availability") {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	s.polls++
	live := s.polls > s.liveAfter && s.stock > 0
	stock := s.stock
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"available": live,
		"price":     59.99,
		"stock":     stock,
	})
}

// flaky answers a 500 with probability failRate and reports whether it did.
func (s *shop) flaky(w http.ResponseWriter) bool {
	if s.failRate > 0 && rand.Float64() < s.failRate {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "mock transient failure"})
		return true
	}
	return false
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n <= 0 {
		return ""
	}
	raw := make([]byte, n)
	_, _ = crand.Read(raw)
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[int(raw[i])%len(letters)]
	}
	return string(out)
}
