package main

import (
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Build-time variables - inject via ldflags
// Example: go build -ldflags "-X main.captchaAPIKey=YOUR_KEY"
var (
	captchaAPIKey string // -X main.captchaAPIKey=...
)

const envPrefix = "NFCE_"

// Config is everything a run needs. Precedence, lowest first: defaults
// (including the build-time API key), the YAML file, .env, the environment.
type Config struct {
	CertPath     string `yaml:"cert_pfx_path" env:"CERT_PFX_PATH"`
	CertPassword string `yaml:"cert_pfx_pass" env:"CERT_PFX_PASS"`
	Production   bool   `yaml:"production" env:"PRODUCTION"`
	CNPJ         string `yaml:"cnpj" env:"CNPJ"`

	SiteURL string `yaml:"site_url" env:"SITE_URL"`
	SiteKey string `yaml:"site_key" env:"SITE_KEY"`

	CaptchaEngine string        `yaml:"captcha_solver_engine" env:"CAPTCHA_SOLVER_ENGINE"`
	CaptchaAPIKey string        `yaml:"captcha_api_key" env:"CAPTCHA_API_KEY"`
	PollAttempts  int           `yaml:"poll_attempts" env:"POLL_ATTEMPTS"`
	PollDelay     time.Duration `yaml:"poll_delay" env:"POLL_DELAY"`

	HTTPTimeout time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	CAFile      string        `yaml:"ca_file" env:"CA_FILE"`
	// Proxy is a single proxy line; ProxyFile lists one per line.
	Proxy     string `yaml:"proxy" env:"PROXY"`
	ProxyFile string `yaml:"proxy_file" env:"PROXY_FILE"`

	OutputDir string   `yaml:"output_dir" env:"OUTPUT_DIR"`
	TempDir   string   `yaml:"temp_dir" env:"TEMP_DIR"`
	S3        S3Config `yaml:"s3" envPrefix:"S3_"`

	Workers           int           `yaml:"workers" env:"WORKERS"`
	RetrievalAttempts int           `yaml:"retrieval_attempts" env:"RETRIEVAL_ATTEMPTS"`
	RetryDelay        time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Production:        true,
		SiteURL:           DefaultSiteURL,
		CaptchaEngine:     "anticaptcha",
		CaptchaAPIKey:     captchaAPIKey,
		PollAttempts:      DefaultPollPolicy.Attempts,
		PollDelay:         DefaultPollPolicy.Delay,
		HTTPTimeout:       defaultClientTimeout,
		OutputDir:         ".",
		Workers:           1,
		RetrievalAttempts: 3,
		RetryDelay:        5 * time.Second,
	}
}

// LoadConfig layers the YAML file at path (skipped when empty), .env and
// NFCE_* environment variables over the defaults, then validates.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	_ = godotenv.Load()

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first problem that would make every retrieval fail.
func (c Config) Validate() error {
	u, err := url.Parse(c.SiteURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: site_url %q is not an absolute http(s) url", ErrInvalidConfig, c.SiteURL)
	}
	if c.SiteKey == "" {
		return fmt.Errorf("%w: site_key is required", ErrInvalidConfig)
	}
	if _, err := LookupCaptchaProvider(c.CaptchaEngine); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.CaptchaAPIKey == "" {
		return fmt.Errorf("%w: captcha_api_key is required", ErrInvalidConfig)
	}
	if c.CertPath != "" {
		if _, err := os.Stat(c.CertPath); err != nil {
			return fmt.Errorf("%w: certificate: %w", ErrInvalidConfig, err)
		}
	}
	if c.PollAttempts < 1 || c.PollDelay <= 0 {
		return fmt.Errorf("%w: poll_attempts and poll_delay must be positive", ErrInvalidConfig)
	}
	if c.Workers < 1 || c.RetrievalAttempts < 1 {
		return fmt.Errorf("%w: workers and retrieval_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Proxy != "" {
		if _, err := parseProxyLine(c.Proxy); err != nil {
			return fmt.Errorf("%w: proxy: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Proxies returns the configured proxies; nil means direct connections.
// ProxyFile wins over Proxy.
func (c Config) Proxies() (*ProxyManager, error) {
	switch {
	case c.ProxyFile != "":
		return NewProxyManager(c.ProxyFile)
	case c.Proxy != "":
		return NewProxyManagerFromLines(c.Proxy)
	default:
		return nil, nil
	}
}

// Environment maps the production flag to the portal data set.
func (c Config) Environment() Environment {
	if c.Production {
		return Production
	}
	return Staging
}

func (c Config) PollPolicy() PollPolicy {
	return PollPolicy{Attempts: c.PollAttempts, Delay: c.PollDelay}
}

func (c Config) Site() Site {
	return Site{BaseURL: c.SiteURL, SiteKey: c.SiteKey}
}

// RootCAs returns the extra trust roots, or nil for the system pool.
func (c Config) RootCAs() (*x509.CertPool, error) {
	if c.CAFile == "" {
		return nil, nil
	}
	return LoadCertPool(c.CAFile)
}

// DownloaderConfig derives the per-retrieval settings.
func (c Config) DownloaderConfig(rootCAs *x509.CertPool) DownloaderConfig {
	return DownloaderConfig{
		CertPath:     c.CertPath,
		CertPassword: c.CertPassword,
		TempDir:      c.TempDir,
		ExpectedCNPJ: c.CNPJ,
		Client: ClientOptions{
			Timeout: c.HTTPTimeout,
			RootCAs: rootCAs,
		},
	}
}
