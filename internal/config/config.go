package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Engine   EngineConfig   `yaml:"engine"`
	Client   ClientConfig   `yaml:"client"`
	Checkout CheckoutConfig `yaml:"checkout"`
	Captcha  CaptchaConfig  `yaml:"captcha"`
	Session  SessionConfig  `yaml:"session"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type ProxyConfig struct {
	File           string `yaml:"file"`
	ProbeURL       string `yaml:"probeURL"`
	ProbeTimeoutMs int    `yaml:"probeTimeoutMs"`
}

func (c ProxyConfig) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

type EngineConfig struct {
	MaxConcurrent  int `yaml:"maxConcurrent"`
	ShutdownWaitMs int `yaml:"shutdownWaitMs"`
}

func (c EngineConfig) ShutdownWait() time.Duration {
	if c.ShutdownWaitMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ShutdownWaitMs) * time.Millisecond
}

type ClientConfig struct {
	BaseURL   string         `yaml:"baseURL"`
	TimeoutMs int            `yaml:"timeoutMs"`
	UserAgent string         `yaml:"userAgent"`
	Retry     ClientRetryCfg `yaml:"retry"`
}

type ClientRetryCfg struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c ClientConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ClientRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c ClientRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

type CheckoutConfig struct {
	AddToCartAttempts   int     `yaml:"addToCartAttempts"`
	CheckoutURLAttempts int     `yaml:"checkoutURLAttempts"`
	PaymentAttempts     int     `yaml:"paymentAttempts"`
	SubmitAttempts      int     `yaml:"submitAttempts"`
	BackoffBaseMs       int     `yaml:"backoffBaseMs"`
	BackoffMaxMs        int     `yaml:"backoffMaxMs"`
	BackoffMultiplier   float64 `yaml:"backoffMultiplier"`
	CaptchaTimeoutMs    int     `yaml:"captchaTimeoutMs"`
}

func (c CheckoutConfig) BackoffBase() time.Duration {
	if c.BackoffBaseMs <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c CheckoutConfig) BackoffMax() time.Duration {
	if c.BackoffMaxMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c CheckoutConfig) CaptchaTimeout() time.Duration {
	if c.CaptchaTimeoutMs <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.CaptchaTimeoutMs) * time.Millisecond
}

type CaptchaConfig struct {
	APIKey         string `yaml:"apiKey"`
	BaseURL        string `yaml:"baseURL"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
	MaxPolls       int    `yaml:"maxPolls"`
	// Browser enables the headless-browser fallback when the HTTP solver
	// has no API key or keeps failing.
	Browser bool `yaml:"browser"`
}

func (c CaptchaConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type SessionConfig struct {
	BaseURL string `yaml:"baseURL"`
}

type MonitorConfig struct {
	IntervalMs  int     `yaml:"intervalMs"`
	GlobalQPS   float64 `yaml:"globalQPS"`
	GlobalBurst int     `yaml:"globalBurst"`
}

func (c MonitorConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtpHost"`
	SMTPPort int    `yaml:"smtpPort"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	Password string `yaml:"password"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/snipebot.db"
	}
	if c.Proxy.ProbeURL == "" {
		c.Proxy.ProbeURL = "https://httpbin.org/ip"
	}
	if c.Engine.MaxConcurrent <= 0 {
		c.Engine.MaxConcurrent = 20
	}
	if c.Client.BaseURL == "" {
		c.Client.BaseURL = "http://127.0.0.1:8080/mock"
	}
	if c.Client.UserAgent == "" {
		c.Client.UserAgent = "Snipebot/1.0"
	}
	if c.Client.Retry.Count < 0 {
		c.Client.Retry.Count = 0
	}
	if c.Checkout.AddToCartAttempts <= 0 {
		c.Checkout.AddToCartAttempts = 3
	}
	if c.Checkout.CheckoutURLAttempts <= 0 {
		c.Checkout.CheckoutURLAttempts = 2
	}
	if c.Checkout.PaymentAttempts <= 0 {
		c.Checkout.PaymentAttempts = 2
	}
	if c.Checkout.SubmitAttempts <= 0 {
		c.Checkout.SubmitAttempts = 3
	}
	if c.Checkout.BackoffMultiplier <= 0 {
		c.Checkout.BackoffMultiplier = 2.0
	}
	if c.Captcha.BaseURL == "" {
		c.Captcha.BaseURL = "http://2captcha.com"
	}
	if c.Captcha.MaxPolls <= 0 {
		c.Captcha.MaxPolls = 60
	}
	if c.Session.BaseURL == "" {
		c.Session.BaseURL = c.Client.BaseURL
	}
	if c.Monitor.GlobalQPS <= 0 {
		c.Monitor.GlobalQPS = 5
	}
	if c.Monitor.GlobalBurst <= 0 {
		c.Monitor.GlobalBurst = 10
	}
	if c.Notify.SMTPPort <= 0 {
		c.Notify.SMTPPort = 465
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Client.BaseURL == "" {
		return errors.New("client.baseURL is required")
	}
	if c.Notify.Enabled && (c.Notify.SMTPHost == "" || c.Notify.From == "" || c.Notify.To == "") {
		return errors.New("notify.smtpHost, notify.from and notify.to are required when notify.enabled")
	}
	return nil
}
