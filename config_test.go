package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
cert_pfx_path: ""
cert_pfx_pass: "yaml-pass"
production: false
cnpj: "33865985000177"
site_url: "https://dfe-portal.svrs.rs.gov.br"
site_key: "6LfYaml"
captcha_solver_engine: "capsolver"
captcha_api_key: "yaml-key"
poll_attempts: 10
poll_delay: 3s
workers: 2
s3:
  bucket: "nfce-archive"
  region: "sa-east-1"
  prefix: "xml/"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.False(t, cfg.Production)
	assert.Equal(t, Staging, cfg.Environment())
	assert.Equal(t, "33865985000177", cfg.CNPJ)
	assert.Equal(t, "capsolver", cfg.CaptchaEngine)
	assert.Equal(t, "yaml-key", cfg.CaptchaAPIKey)
	assert.Equal(t, PollPolicy{Attempts: 10, Delay: 3 * time.Second}, cfg.PollPolicy())
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "nfce-archive", cfg.S3.Bucket)
	assert.True(t, cfg.S3.Enabled())
	assert.Equal(t, Site{BaseURL: "https://dfe-portal.svrs.rs.gov.br", SiteKey: "6LfYaml"}, cfg.Site())

	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.RetrievalAttempts)
	assert.Equal(t, defaultClientTimeout, cfg.HTTPTimeout)
	assert.Equal(t, ".", cfg.OutputDir)
}

func TestLoadConfig_EnvironmentOverridesYAML(t *testing.T) {
	t.Setenv("NFCE_CAPTCHA_API_KEY", "env-key")
	t.Setenv("NFCE_PRODUCTION", "true")
	t.Setenv("NFCE_POLL_DELAY", "500ms")
	t.Setenv("NFCE_S3_PREFIX", "env/")

	cfg, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.CaptchaAPIKey)
	assert.Equal(t, Production, cfg.Environment())
	assert.Equal(t, 500*time.Millisecond, cfg.PollDelay)
	assert.Equal(t, "env/", cfg.S3.Prefix)
	assert.Equal(t, "nfce-archive", cfg.S3.Bucket, "yaml value survives")
	assert.Equal(t, "capsolver", cfg.CaptchaEngine, "yaml value survives")
}

func TestLoadConfig_EnvOnly(t *testing.T) {
	t.Setenv("NFCE_SITE_KEY", "6LfEnv")
	t.Setenv("NFCE_CAPTCHA_API_KEY", "env-key")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSiteURL, cfg.SiteURL)
	assert.Equal(t, "anticaptcha", cfg.CaptchaEngine)
	assert.Equal(t, Production, cfg.Environment())
	assert.Equal(t, DefaultPollPolicy, cfg.PollPolicy())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "site_url: [unclosed"))
	require.Error(t, err)

	t.Setenv("NFCE_WORKERS", "many")
	_, err = LoadConfig(writeConfig(t, testConfigYAML))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.SiteKey = "6Lf"
		cfg.CaptchaAPIKey = "k"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*Config){
		"relative site url": func(c *Config) { c.SiteURL = "/NFCESSL" },
		"missing site key":  func(c *Config) { c.SiteKey = "" },
		"unknown engine":    func(c *Config) { c.CaptchaEngine = "2captcha" },
		"missing api key":   func(c *Config) { c.CaptchaAPIKey = "" },
		"missing cert file": func(c *Config) { c.CertPath = "/nonexistent/cert.pfx" },
		"zero attempts":     func(c *Config) { c.PollAttempts = 0 },
		"zero workers":      func(c *Config) { c.Workers = 0 },
		"bad proxy":         func(c *Config) { c.Proxy = "nonsense" },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.True(t, IsFatalError(err))
		})
	}

	t.Run("unknown engine keeps cause", func(t *testing.T) {
		cfg := valid()
		cfg.CaptchaEngine = "2captcha"
		require.ErrorIs(t, cfg.Validate(), ErrUnknownCaptchaProvider)
	})
}

func TestConfig_Proxies(t *testing.T) {
	cfg := DefaultConfig()
	pm, err := cfg.Proxies()
	require.NoError(t, err)
	assert.Nil(t, pm)

	cfg.Proxy = "10.0.0.1:8080"
	pm, err = cfg.Proxies()
	require.NoError(t, err)
	assert.Equal(t, 1, pm.Count())

	path := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.2:8080\n10.0.0.3:8080\n"), 0o644))
	cfg.ProxyFile = path
	pm, err = cfg.Proxies()
	require.NoError(t, err)
	assert.Equal(t, 2, pm.Count())
}

func TestConfig_DownloaderConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CertPath = "/etc/nfce/cert.pfx"
	cfg.CertPassword = "p"
	cfg.TempDir = "/run/nfce"
	cfg.CNPJ = "33865985000177"
	cfg.HTTPTimeout = 7 * time.Second

	rootCAs, err := cfg.RootCAs()
	require.NoError(t, err)
	assert.Nil(t, rootCAs)

	dc := cfg.DownloaderConfig(rootCAs)
	assert.Equal(t, "/etc/nfce/cert.pfx", dc.CertPath)
	assert.Equal(t, "p", dc.CertPassword)
	assert.Equal(t, "/run/nfce", dc.TempDir)
	assert.Equal(t, "33865985000177", dc.ExpectedCNPJ)
	assert.Equal(t, 7*time.Second, dc.Client.Timeout)
}
