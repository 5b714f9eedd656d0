package captcha

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"snipebot/internal/logbus"
)

// BrowserSolver drives a headless browser to the challenge page and waits
// for the checkbox flow to produce a token. It is the fallback when no
// solver-service key is configured; one browser instance is shared and
// launched lazily on first use.
type BrowserSolver struct {
	bus *logbus.Bus

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func NewBrowserSolver(bus *logbus.Bus) *BrowserSolver {
	return &BrowserSolver{bus: bus}
}

func (b *BrowserSolver) SolveImage(ctx context.Context, image []byte) (string, error) {
	return "", errors.New("browser solver cannot handle raw image challenges")
}

func (b *BrowserSolver) SolveRecaptcha(ctx context.Context, siteKey, pageURL string) (string, error) {
	browser, err := b.ensureBrowser()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return "", err
	}
	defer func() { _ = page.Close() }()
	page = page.Context(ctx)

	if err := page.Navigate(pageURL); err != nil {
		return "", err
	}
	if err := page.WaitLoad(); err != nil {
		return "", err
	}

	if b.bus != nil {
		b.bus.Log("info", "waiting for in-browser captcha token", map[string]any{
			"pageUrl": pageURL,
			"siteKey": siteKey,
		})
	}

	// The widget writes the token into the response textarea once solved.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		obj, err := page.Eval(`() => {
			const el = document.getElementById("g-recaptcha-response");
			return el ? el.value : "";
		}`)
		if err != nil {
			return "", err
		}
		if token := obj.Value.Str(); token != "" {
			return token, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (b *BrowserSolver) ensureBrowser() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	l := launcher.New().Headless(true)
	u, err := l.Launch()
	if err != nil {
		return nil, err
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, err
	}
	b.launcher = l
	b.browser = browser
	return browser, nil
}

// Close tears down the shared browser. Safe to call without a prior solve.
func (b *BrowserSolver) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
	b.browser = nil
	b.launcher = nil
	return err
}
