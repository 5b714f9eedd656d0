package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"snipebot/internal/client"
	"snipebot/internal/logbus"
	"snipebot/internal/model"
)

// ErrAuthFailed means the storefront rejected the credentials or session.
// Transport problems come back as ordinary errors so callers can tell
// "wrong password" from "network down".
var ErrAuthFailed = errors.New("authentication rejected")

// Manager is the session collaborator the checkout flow consults before
// spending any attempts.
type Manager interface {
	IsValid(ctx context.Context, s *model.Session) (bool, error)
	Login(ctx context.Context, creds model.Credentials) (*model.Session, error)
}

type HTTPManager struct {
	doer    client.Doer
	baseURL string
	bus     *logbus.Bus
}

func NewHTTPManager(doer client.Doer, baseURL string, bus *logbus.Bus) *HTTPManager {
	return &HTTPManager{doer: doer, baseURL: baseURL, bus: bus}
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token   string            `json:"token"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// IsValid asks the storefront whether the session still works. A 401 is a
// definitive "no"; transport failures return an error instead of guessing.
func (m *HTTPManager) IsValid(ctx context.Context, s *model.Session) (bool, error) {
	if s == nil || s.Token == "" {
		return false, nil
	}
	resp, err := m.doer.Do(ctx, client.Request{
		Method:  http.MethodGet,
		URL:     m.baseURL + "/session/validate",
		Headers: map[string]string{"Authorization": "Bearer " + s.Token},
	})
	if err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return false, nil
	}
	if !resp.OK() {
		return false, fmt.Errorf("validate session: unexpected status %d", resp.Status)
	}
	var body validateResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	if body.Valid {
		s.Touch()
	}
	return body.Valid, nil
}

func (m *HTTPManager) Login(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	payload, err := json.Marshal(loginRequest{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return nil, err
	}
	resp, err := m.doer.Do(ctx, client.Request{
		Method: http.MethodPost,
		URL:    m.baseURL + "/login",
		Body:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return nil, fmt.Errorf("login %s: %w", creds.Username, ErrAuthFailed)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("login: unexpected status %d", resp.Status)
	}

	var body loginResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if body.Token == "" {
		return nil, fmt.Errorf("login: response carried no token")
	}

	sess := model.NewSession(uuid.NewString())
	sess.Token = body.Token
	for k, v := range body.Cookies {
		sess.SetCookie(k, v)
	}
	if m.bus != nil {
		m.bus.Log("info", "session established", map[string]any{
			"sessionId": sess.ID,
			"username":  creds.Username,
		})
	}
	return sess, nil
}
