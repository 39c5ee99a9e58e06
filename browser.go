package main

import (
	"github.com/bogdanfinn/tls-client/profiles"
)

// BrowserProfile pairs a TLS fingerprint with the navigation headers of the same browser.
type BrowserProfile struct {
	TLSProfile profiles.ClientProfile
	UserAgent  string
	SecChUa    string
	Platform   string
	Mobile     string
}

// ChromeLinuxProfile is Chrome 133 on Linux, the browser the portal is exercised with.
var ChromeLinuxProfile = &BrowserProfile{
	TLSProfile: profiles.Chrome_133,
	UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	SecChUa:    `"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`,
	Platform:   `"Linux"`,
	Mobile:     "?0",
}

// DefaultProfile is used by NewPlainClient and for every portal request.
var DefaultProfile = ChromeLinuxProfile

// navigationHeaders are sent on every portal request, before any request specific ones.
var navigationHeaders = []HeaderField{
	{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
	{"Accept-Language", "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7"},
	{"Cache-Control", "no-cache"},
	{"DNT", "1"},
	{"Pragma", "no-cache"},
	{"Sec-Fetch-Dest", "document"},
	{"Sec-Fetch-Mode", "navigate"},
	{"Sec-Fetch-User", "?1"},
	{"Upgrade-Insecure-Requests", "1"},
}

// Headers returns the navigation headers with the profile's identity, followed by extra.
func (p *BrowserProfile) Headers(extra ...HeaderField) []HeaderField {
	h := make([]HeaderField, 0, len(navigationHeaders)+4+len(extra))
	h = append(h, navigationHeaders...)
	h = append(h,
		HeaderField{"User-Agent", p.UserAgent},
		HeaderField{"sec-ch-ua", p.SecChUa},
		HeaderField{"sec-ch-ua-mobile", p.Mobile},
		HeaderField{"sec-ch-ua-platform", p.Platform},
	)
	return append(h, extra...)
}
