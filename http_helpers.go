package main

import (
	"bytes"
	"io"
	"strings"

	http "github.com/bogdanfinn/fhttp"
	"golang.org/x/net/html/charset"
)

// PseudoHeaderOrder is the standard HTTP/2 pseudo-header order for all requests.
var PseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// HeaderField is one request header; requests keep headers in send order.
type HeaderField struct {
	Name  string
	Value string
}

// Request is a portal request independent of the underlying HTTP stack.
type Request struct {
	Method string
	URL    string
	Header []HeaderField
	Body   string
}

// Response is a fully read portal response with the body decoded to UTF-8.
type Response struct {
	StatusCode int
	Status     string
	Header     map[string][]string
	Body       string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get returns the first value of a response header, case-insensitively.
func (r *Response) Get(name string) string {
	for k, v := range r.Header {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// readResponseBody decompresses and reads the full response body.
// Caller should defer resp.Body.Close() before calling this.
func readResponseBody(resp *http.Response) ([]byte, error) {
	body := http.DecompressBody(resp)
	defer body.Close()
	return io.ReadAll(body)
}

// decodeBody converts a response body to UTF-8 using the declared or sniffed charset.
func decodeBody(body []byte, contentType string) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
