package model

import "time"

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// Session holds the cookies and metadata of one logged-in storefront identity.
// Valid is a cached hint only; the session manager decides authoritatively.
type Session struct {
	ID        string            `json:"id"`
	AccountID string            `json:"accountId,omitempty"`
	Token     string            `json:"token,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	LastUsed  time.Time         `json:"lastUsed"`
	Valid     bool              `json:"valid"`
}

func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Cookies:   make(map[string]string),
		CreatedAt: now,
		LastUsed:  now,
		Valid:     true,
	}
}

func (s *Session) Touch() {
	s.LastUsed = time.Now()
}

func (s *Session) SetCookie(name, value string) {
	if s.Cookies == nil {
		s.Cookies = make(map[string]string)
	}
	s.Cookies[name] = value
	s.Touch()
}
