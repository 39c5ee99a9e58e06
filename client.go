package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"golang.org/x/net/publicsuffix"
)

const defaultClientTimeout = 30 * time.Second

// HTTPClient performs one portal request. Non-2xx responses are returned as
// data; only network and TLS failures are errors (*TransportError).
type HTTPClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// ClientOptions configures either portal client.
type ClientOptions struct {
	Timeout  time.Duration
	ProxyURL string
	// RootCAs extends server verification; nil means the system pool.
	RootCAs *x509.CertPool
	Logger  Logger
}

func (o ClientOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultClientTimeout
	}
	return o.Timeout
}

func (o ClientOptions) logger() Logger {
	if o.Logger == nil {
		return noopLogger{}
	}
	return o.Logger
}

// NewPortalClient returns a mutual-TLS client when an identity is given and a
// plain verifying client otherwise. Every call builds a new transport and
// cookie jar, so identities and sessions never leak between retrievals.
func NewPortalClient(identity *ClientIdentity, opts ClientOptions) (HTTPClient, error) {
	if identity == nil {
		return NewPlainClient(opts)
	}
	return NewMutualTLSClient(identity, opts)
}

// =============================================================================
// Mutual TLS (net/http)
// =============================================================================

type mtlsClient struct {
	client *nethttp.Client
	logger Logger
}

// NewMutualTLSClient presents identity on every connection and verifies the server.
func NewMutualTLSClient(identity *ClientIdentity, opts ClientOptions) (HTTPClient, error) {
	if identity == nil {
		return nil, fmt.Errorf("mutual TLS client requires an identity")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	transport := &nethttp.Transport{
		TLSClientConfig:     identity.TLSConfig(opts.RootCAs),
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     30 * time.Second,
		MaxIdleConnsPerHost: 2,
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = nethttp.ProxyURL(proxy)
	}

	return &mtlsClient{
		client: &nethttp.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   opts.timeout(),
			CheckRedirect: func(*nethttp.Request, []*nethttp.Request) error {
				return nethttp.ErrUseLastResponse
			},
		},
		logger: opts.logger(),
	}, nil
}

func (c *mtlsClient) Do(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := nethttp.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for _, h := range r.Header {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Log("%s %s -> error: %v", r.Method, req.URL.Path, err)
		return nil, &TransportError{Op: r.Method, URL: r.URL, Err: err}
	}
	defer resp.Body.Close()
	c.logger.Log("%s %s -> %d", r.Method, req.URL.Path, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: r.Method, URL: r.URL, Err: err}
	}
	return buildResponse(resp.StatusCode, resp.Status, resp.Header, raw), nil
}

// =============================================================================
// Plain TLS (tls-client browser profile)
// =============================================================================

type plainClient struct {
	client tls_client.HttpClient
	logger Logger
}

// NewPlainClient builds a browser-profile client without a client certificate.
func NewPlainClient(opts ClientOptions) (HTTPClient, error) {
	return NewPlainClientWithProfile(opts, DefaultProfile.TLSProfile)
}

func NewPlainClientWithProfile(opts ClientOptions, profile profiles.ClientProfile) (HTTPClient, error) {
	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(opts.timeout() / time.Second)),
		tls_client.WithClientProfile(profile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
	}

	if opts.ProxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(opts.ProxyURL))
	}

	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, err
	}
	return &plainClient{client: client, logger: opts.logger()}, nil
}

func (c *plainClient) Do(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	order := make([]string, 0, len(r.Header))
	for _, h := range r.Header {
		header.Add(h.Name, h.Value)
		order = append(order, strings.ToLower(h.Name))
	}
	header[http.HeaderOrderKey] = order
	header[http.PHeaderOrderKey] = PseudoHeaderOrder
	req.Header = header

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Log("%s %s -> error: %v", r.Method, req.URL.Path, err)
		return nil, &TransportError{Op: r.Method, URL: r.URL, Err: err}
	}
	defer resp.Body.Close()
	c.logger.Log("%s %s -> %d", r.Method, req.URL.Path, resp.StatusCode)

	raw, err := readResponseBody(resp)
	if err != nil {
		return nil, &TransportError{Op: r.Method, URL: r.URL, Err: err}
	}
	return buildResponse(resp.StatusCode, resp.Status, resp.Header, raw), nil
}

func buildResponse(code int, status string, header map[string][]string, raw []byte) *Response {
	resp := &Response{StatusCode: code, Status: status, Header: header}
	text, err := decodeBody(raw, resp.Get("Content-Type"))
	if err != nil {
		text = string(raw)
	}
	resp.Body = text
	return resp
}

// LoadCertPool returns the system pool extended with the PEM certificates in path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
