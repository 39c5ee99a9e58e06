package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMTLSServer starts a TLS server that requires client certificates issued by ca.
func newMTLSServer(t *testing.T, ca *x509.Certificate, handler http.Handler) *httptest.Server {
	t.Helper()
	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(ca)

	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  clientCAs,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func serverPool(srv *httptest.Server) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return pool
}

func testIdentity(t *testing.T) (*ClientIdentity, testCert) {
	t.Helper()
	data, ca := validBundle(t)
	id, err := (&IdentityLoader{TempDir: t.TempDir()}).Parse(data, testBundlePassword)
	require.NoError(t, err)
	return id, ca
}

func clientTestMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.TLS.PeerCertificates[0].Subject.CommonName)
	})
	mux.HandleFunc("/teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "short and stout")
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/whoami", http.StatusFound)
	})
	mux.HandleFunc("/set-cookie", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "abc123", Path: "/"})
	})
	mux.HandleFunc("/echo-cookie", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("ASP.NET_SessionId")
		if err != nil {
			http.Error(w, "no session", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, c.Value)
	})
	mux.HandleFunc("/headers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s|%s|%s", r.Header.Get("User-Agent"), r.Header.Get("Sec-Fetch-Site"), r.Header.Get("Accept-Language"))
	})
	mux.HandleFunc("/latin1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte("Chave inv\xe1lida"))
	})
	mux.HandleFunc("/form", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fmt.Fprintf(w, "%s %s %s", r.Method, r.Header.Get("Content-Type"), r.PostForm.Get("ChaveAcessoDfe"))
	})
	return mux
}

func TestMutualTLSClient_PresentsIdentity(t *testing.T) {
	id, ca := testIdentity(t)
	srv := newMTLSServer(t, ca.cert, clientTestMux())

	client, err := NewMutualTLSClient(id, ClientOptions{RootCAs: serverPool(srv), Timeout: 5 * time.Second})
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/whoami"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.OK())
	assert.Equal(t, "EMPRESA TESTE:33865985000177", resp.Body)
}

func TestMutualTLSClient_NonSuccessIsData(t *testing.T) {
	id, ca := testIdentity(t)
	srv := newMTLSServer(t, ca.cert, clientTestMux())

	client, err := NewMutualTLSClient(id, ClientOptions{RootCAs: serverPool(srv)})
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/teapot"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.False(t, resp.OK())
	assert.Equal(t, "short and stout", resp.Body)
}

func TestMutualTLSClient_DoesNotFollowRedirects(t *testing.T) {
	id, ca := testIdentity(t)
	srv := newMTLSServer(t, ca.cert, clientTestMux())

	client, err := NewMutualTLSClient(id, ClientOptions{RootCAs: serverPool(srv)})
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/redirect"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/whoami", resp.Get("location"))
}

func TestMutualTLSClient_KeepsSessionCookies(t *testing.T) {
	id, ca := testIdentity(t)
	srv := newMTLSServer(t, ca.cert, clientTestMux())

	client, err := NewMutualTLSClient(id, ClientOptions{RootCAs: serverPool(srv)})
	require.NoError(t, err)

	_, err = client.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/set-cookie"})
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/echo-cookie"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", resp.Body)

	// A new client starts a new session.
	fresh, err := NewMutualTLSClient(id, ClientOptions{RootCAs: serverPool(srv)})
	require.NoError(t, err)
	resp, err = fresh.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/echo-cookie"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMutualTLSClient_SendsHeadersAndBody(t *testing.T) {
	id, ca := testIdentity(t)
	srv := newMTLSServer(t, ca.cert, clientTestMux())

	client, err := NewMutualTLSClient(id, ClientOptions{RootCAs: serverPool(srv)})
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), &Request{
		Method: "GET",
		URL:    srv.URL + "/headers",
		Header: DefaultProfile.Headers(HeaderField{"Sec-Fetch-Site", "none"}),
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Body, DefaultProfile.UserAgent)
	assert.Contains(t, resp.Body, "|none|")
	assert.Contains(t, resp.Body, "pt-BR")

	resp, err = client.Do(context.Background(), &Request{
		Method: "POST",
		URL:    srv.URL + "/form",
		Header: []HeaderField{{"Content-Type", "application/x-www-form-urlencoded"}},
		Body:   "ChaveAcessoDfe=123",
	})
	require.NoError(t, err)
	assert.Equal(t, "POST application/x-www-form-urlencoded 123", resp.Body)
}

func TestMutualTLSClient_DecodesCharset(t *testing.T) {
	id, ca := testIdentity(t)
	srv := newMTLSServer(t, ca.cert, clientTestMux())

	client, err := NewMutualTLSClient(id, ClientOptions{RootCAs: serverPool(srv)})
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/latin1"})
	require.NoError(t, err)
	assert.Equal(t, "Chave inválida", resp.Body)
}

func TestMutualTLSClient_UntrustedIdentityIsTransportError(t *testing.T) {
	_, serverCA := testIdentity(t)
	srv := newMTLSServer(t, serverCA.cert, clientTestMux())

	// Issued by another CA the server does not trust.
	other, _ := testIdentity(t)
	client, err := NewMutualTLSClient(other, ClientOptions{RootCAs: serverPool(srv)})
	require.NoError(t, err)

	_, err = client.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/whoami"})
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "GET", te.Op)
	assert.True(t, IsRetryableError(err))
}

func TestMutualTLSClient_VerifiesServer(t *testing.T) {
	id, ca := testIdentity(t)
	srv := newMTLSServer(t, ca.cert, clientTestMux())

	// No RootCAs: the httptest certificate is not in the system pool.
	client, err := NewMutualTLSClient(id, ClientOptions{})
	require.NoError(t, err)

	_, err = client.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/whoami"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	var unknownAuthority x509.UnknownAuthorityError
	assert.ErrorAs(t, err, &unknownAuthority)
}

func TestMutualTLSClient_ContextCancelled(t *testing.T) {
	id, ca := testIdentity(t)
	srv := newMTLSServer(t, ca.cert, clientTestMux())

	client, err := NewMutualTLSClient(id, ClientOptions{RootCAs: serverPool(srv)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Do(ctx, &Request{Method: "GET", URL: srv.URL + "/whoami"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMutualTLSClient_InvalidProxy(t *testing.T) {
	id, _ := testIdentity(t)
	_, err := NewMutualTLSClient(id, ClientOptions{ProxyURL: "http://[::1"})
	require.Error(t, err)

	_, err = NewMutualTLSClient(nil, ClientOptions{})
	require.Error(t, err)
}

func TestNewPortalClient_SelectsStack(t *testing.T) {
	id, _ := testIdentity(t)

	c, err := NewPortalClient(id, ClientOptions{})
	require.NoError(t, err)
	assert.IsType(t, &mtlsClient{}, c)

	c, err = NewPortalClient(nil, ClientOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.IsType(t, &plainClient{}, c)
}

func TestLoadCertPool(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}), 0o644))

	pool, err := LoadCertPool(path)
	require.NoError(t, err)
	_, err = srv.Certificate().Verify(x509.VerifyOptions{Roots: pool})
	assert.NoError(t, err)

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing here"), 0o644))
	_, err = LoadCertPool(empty)
	require.Error(t, err)

	_, err = LoadCertPool(filepath.Join(dir, "missing.pem"))
	require.Error(t, err)
}

func TestResponseGet(t *testing.T) {
	r := &Response{Header: map[string][]string{"Content-Type": {"text/html"}}}
	assert.Equal(t, "text/html", r.Get("content-type"))
	assert.Empty(t, r.Get("X-Missing"))
}

func TestDecodeBody(t *testing.T) {
	out, err := decodeBody(nil, "text/html")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = decodeBody([]byte("ol\xe1"), "text/html; charset=iso-8859-1")
	require.NoError(t, err)
	assert.Equal(t, "olá", out)

	out, err = decodeBody([]byte("olá"), "text/html; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "olá", out)
}
