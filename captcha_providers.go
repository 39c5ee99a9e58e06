package main

import (
	"fmt"
	"slices"
	"strings"
)

// ChallengeKind is the interactive check a page requires before accepting a form.
type ChallengeKind string

const (
	Recaptcha ChallengeKind = "recaptcha"
	HCaptcha  ChallengeKind = "hcaptcha"
	Turnstile ChallengeKind = "turnstile"
)

// CaptchaProvider describes one createTask/getTaskResult style solving service.
// Providers differ only in data; adding one is adding an entry to captchaProviders.
type CaptchaProvider struct {
	Name          string
	CreateTaskURL string
	TaskResultURL string
	TaskTypes     map[ChallengeKind]string
	// Extra is merged into the top level of createTask payloads.
	Extra map[string]any
	// TaskMetadata, when set, is sent as task.metadata.
	TaskMetadata map[string]any
}

// TaskType maps a challenge kind to the provider's task type identifier.
func (p CaptchaProvider) TaskType(kind ChallengeKind) (string, error) {
	t, ok := p.TaskTypes[ChallengeKind(strings.ToLower(string(kind)))]
	if !ok || t == "" {
		return "", fmt.Errorf("%w: %q for %s", ErrUnsupportedChallengeKind, kind, p.Name)
	}
	return t, nil
}

var captchaProviders = map[string]CaptchaProvider{
	"anticaptcha": {
		Name:          "anticaptcha",
		CreateTaskURL: "https://api.anti-captcha.com/createTask",
		TaskResultURL: "https://api.anti-captcha.com/getTaskResult",
		TaskTypes: map[ChallengeKind]string{
			Recaptcha: "NoCaptchaTaskProxyless",
			HCaptcha:  "HCaptchaTaskProxyless",
			Turnstile: "TurnstileTaskProxyless",
		},
		Extra: map[string]any{"softId": 0},
	},
	"capsolver": {
		Name:          "capsolver",
		CreateTaskURL: "https://api.capsolver.com/createTask",
		TaskResultURL: "https://api.capsolver.com/getTaskResult",
		TaskTypes: map[ChallengeKind]string{
			Recaptcha: "ReCaptchaV2TaskProxyLess",
			HCaptcha:  "HCaptchaTaskProxyLess",
			Turnstile: "AntiTurnstileTaskProxyLess",
		},
		TaskMetadata: map[string]any{"action": "login"},
	},
	"capmonster": {
		Name:          "capmonster",
		CreateTaskURL: "https://api.capmonster.cloud/createTask",
		TaskResultURL: "https://api.capmonster.cloud/getTaskResult",
		TaskTypes: map[ChallengeKind]string{
			Recaptcha: "NoCaptchaTaskProxyless",
			HCaptcha:  "HCaptchaTaskProxyless",
			Turnstile: "TurnstileTaskProxyless",
		},
	},
}

// LookupCaptchaProvider returns the provider registered under name (case-insensitive).
func LookupCaptchaProvider(name string) (CaptchaProvider, error) {
	p, ok := captchaProviders[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return CaptchaProvider{}, fmt.Errorf("%w: %q (supported: %s)",
			ErrUnknownCaptchaProvider, name, strings.Join(CaptchaProviderNames(), ", "))
	}
	return p, nil
}

// CaptchaProviderNames lists the registered providers in sorted order.
func CaptchaProviderNames() []string {
	names := make([]string, 0, len(captchaProviders))
	for name := range captchaProviders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
