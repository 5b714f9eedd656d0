package captcha

import "context"

// Mock returns canned tokens, optionally after a delay, so checkout tests
// can exercise both the happy path and the captcha timeout.
type Mock struct {
	ImageToken     string
	RecaptchaToken string
	Err            error
	// Delay blocks each solve until it elapses or ctx expires.
	Delay func(ctx context.Context) error
}

func (m *Mock) SolveImage(ctx context.Context, image []byte) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.ImageToken, nil
}

func (m *Mock) SolveRecaptcha(ctx context.Context, siteKey, pageURL string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.RecaptchaToken, nil
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Delay == nil {
		return nil
	}
	return m.Delay(ctx)
}
