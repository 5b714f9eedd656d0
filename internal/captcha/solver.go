package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"snipebot/internal/logbus"
)

// Solver fetches a verification token for a challenge. Solving can take tens
// of seconds; callers bound the wait with ctx.
type Solver interface {
	SolveImage(ctx context.Context, image []byte) (string, error)
	SolveRecaptcha(ctx context.Context, siteKey, pageURL string) (string, error)
}

// ErrNotReady is the solver service's "keep polling" answer.
var ErrNotReady = errors.New("captcha not ready")

// ErrNoSolver means no solving backend is configured; any challenge fails.
var ErrNoSolver = errors.New("no captcha solver configured")

type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxPolls     int
	Bus          *logbus.Bus
}

// HTTPSolver speaks the classic submit-then-poll solver API: POST the
// challenge to /in.php, receive "OK|<id>", then poll /res.php until the
// token is ready.
type HTTPSolver struct {
	cfg    Config
	client *resty.Client
}

func NewHTTPSolver(cfg Config) (*HTTPSolver, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("captcha solver needs an api key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://2captcha.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30 * time.Second)
	return &HTTPSolver{cfg: cfg, client: client}, nil
}

func (s *HTTPSolver) SolveImage(ctx context.Context, image []byte) (string, error) {
	s.log("info", "solving image captcha", map[string]any{"bytes": len(image)})
	id, err := s.submit(ctx, map[string]string{
		"method": "base64",
		"body":   base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", err
	}
	return s.poll(ctx, id)
}

func (s *HTTPSolver) SolveRecaptcha(ctx context.Context, siteKey, pageURL string) (string, error) {
	s.log("info", "solving recaptcha", map[string]any{"siteKey": siteKey, "pageUrl": pageURL})
	id, err := s.submit(ctx, map[string]string{
		"method":    "userrecaptcha",
		"googlekey": siteKey,
		"pageurl":   pageURL,
	})
	if err != nil {
		return "", err
	}
	return s.poll(ctx, id)
}

func (s *HTTPSolver) submit(ctx context.Context, params map[string]string) (string, error) {
	form := map[string]string{"key": s.cfg.APIKey}
	for k, v := range params {
		form[k] = v
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post("/in.php")
	if err != nil {
		return "", fmt.Errorf("submit captcha: %w", err)
	}
	body := strings.TrimSpace(resp.String())
	id, ok := strings.CutPrefix(body, "OK|")
	if !ok {
		return "", fmt.Errorf("captcha service rejected submission: %s", body)
	}
	return id, nil
}

func (s *HTTPSolver) poll(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.cfg.MaxPolls; attempt++ {
		token, err := s.fetchResult(ctx, id)
		if err == nil {
			s.log("info", "captcha solved", map[string]any{"id": id, "attempts": attempt})
			return token, nil
		}
		if !errors.Is(err, ErrNotReady) {
			return "", err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("captcha %s not solved after %d polls", id, s.cfg.MaxPolls)
}

func (s *HTTPSolver) fetchResult(ctx context.Context, id string) (string, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":    s.cfg.APIKey,
			"action": "get",
			"id":     id,
		}).
		Get("/res.php")
	if err != nil {
		return "", fmt.Errorf("poll captcha result: %w", err)
	}
	body := strings.TrimSpace(resp.String())
	if body == "CAPCHA_NOT_READY" {
		return "", ErrNotReady
	}
	if token, ok := strings.CutPrefix(body, "OK|"); ok {
		return token, nil
	}
	return "", fmt.Errorf("captcha service error: %s", body)
}

func (s *HTTPSolver) log(level, msg string, fields map[string]any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Log(level, msg, fields)
	}
}
