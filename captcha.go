package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sethvargo/go-retry"
	"github.com/valyala/fasthttp"
)

const (
	captchaRequestTimeout = 30 * time.Second
	captchaRequestRetries = 3
)

// PollPolicy bounds the getTaskResult loop: Delay is waited before every attempt.
type PollPolicy struct {
	Attempts int
	Delay    time.Duration
}

var DefaultPollPolicy = PollPolicy{Attempts: 30, Delay: 2 * time.Second}

func (p PollPolicy) normalize() PollPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPollPolicy.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultPollPolicy.Delay
	}
	return p
}

// TaskState is the lifecycle of one solve attempt.
type TaskState string

const (
	TaskCreated  TaskState = "created"
	TaskPending  TaskState = "pending"
	TaskReady    TaskState = "ready"
	TaskFailed   TaskState = "failed"
	TaskTimedOut TaskState = "timed-out"
)

// TaskID keeps the provider's taskId verbatim: anti-captcha and capmonster
// use integers, capsolver a UUID string.
type TaskID []byte

func (t TaskID) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

func (t *TaskID) UnmarshalJSON(b []byte) error {
	*t = append((*t)[:0], b...)
	return nil
}

func (t TaskID) String() string {
	if s, err := strconv.Unquote(string(t)); err == nil {
		return s
	}
	return string(t)
}

// IsZero reports a missing, null, empty or zero id.
func (t TaskID) IsZero() bool {
	switch string(bytes.TrimSpace(t)) {
	case "", "null", `""`, "0":
		return true
	}
	return false
}

// CaptchaTask tracks one task on the provider side.
type CaptchaTask struct {
	ID       TaskID
	Kind     ChallengeKind
	State    TaskState
	Attempts int
	Token    string
	Err      error
}

func (t *CaptchaTask) fail(err error) {
	t.State = TaskFailed
	t.Err = err
}

type taskResponse struct {
	ErrorID          int            `json:"errorId"`
	ErrorCode        string         `json:"errorCode"`
	ErrorDescription string         `json:"errorDescription"`
	TaskID           TaskID         `json:"taskId"`
	Status           string         `json:"status"`
	Solution         map[string]any `json:"solution"`
}

// CaptchaSolver drives createTask/getTaskResult against one provider.
type CaptchaSolver struct {
	provider CaptchaProvider
	apiKey   string
	policy   PollPolicy
	client   *fasthttp.Client
	logger   Logger
	retries  int
}

type SolverOption func(*CaptchaSolver)

func WithPollPolicy(p PollPolicy) SolverOption {
	return func(s *CaptchaSolver) { s.policy = p.normalize() }
}

func WithSolverLogger(l Logger) SolverOption {
	return func(s *CaptchaSolver) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithFastHTTPClient(c *fasthttp.Client) SolverOption {
	return func(s *CaptchaSolver) { s.client = c }
}

// WithRequestRetries sets how many times one API call is tried on transport errors.
func WithRequestRetries(n int) SolverOption {
	return func(s *CaptchaSolver) {
		if n > 0 {
			s.retries = n
		}
	}
}

func NewCaptchaSolver(provider CaptchaProvider, apiKey string, opts ...SolverOption) *CaptchaSolver {
	s := &CaptchaSolver{
		provider: provider,
		apiKey:   apiKey,
		policy:   DefaultPollPolicy,
		client: &fasthttp.Client{
			Name:                "nfce",
			ReadTimeout:         captchaRequestTimeout,
			WriteTimeout:        captchaRequestTimeout,
			MaxIdleConnDuration: time.Minute,
		},
		logger:  noopLogger{},
		retries: captchaRequestRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewCaptchaSolverByName resolves the provider by name first.
func NewCaptchaSolverByName(name, apiKey string, opts ...SolverOption) (*CaptchaSolver, error) {
	p, err := LookupCaptchaProvider(name)
	if err != nil {
		return nil, err
	}
	return NewCaptchaSolver(p, apiKey, opts...), nil
}

// Provider returns the provider this solver talks to.
func (s *CaptchaSolver) Provider() CaptchaProvider {
	return s.provider
}

// Solve creates a task and polls it until a token is available.
func (s *CaptchaSolver) Solve(ctx context.Context, kind ChallengeKind, pageURL, siteKey string) (string, error) {
	s.logger.Log("Solving %s with %s...", kind, s.provider.Name)
	task, err := s.Submit(ctx, kind, pageURL, siteKey)
	if err != nil {
		return "", err
	}
	token, err := s.Poll(ctx, task)
	if err != nil {
		s.logger.Log("Captcha task %s %s after %d attempts: %v", task.ID, task.State, task.Attempts, err)
		return "", err
	}
	s.logger.Log("Captcha token obtained after %d attempts: %s", task.Attempts, redact(token))
	return token, nil
}

// Submit creates a provider task. Unsupported kinds fail before any request.
func (s *CaptchaSolver) Submit(ctx context.Context, kind ChallengeKind, pageURL, siteKey string) (*CaptchaTask, error) {
	taskType, err := s.provider.TaskType(kind)
	if err != nil {
		return nil, err
	}

	task := &CaptchaTask{Kind: kind, State: TaskCreated}

	taskData := map[string]any{
		"type":       taskType,
		"websiteURL": pageURL,
		"websiteKey": siteKey,
	}
	if s.provider.TaskMetadata != nil {
		taskData["metadata"] = s.provider.TaskMetadata
	}
	payload := map[string]any{
		"clientKey": s.apiKey,
		"task":      taskData,
	}
	for k, v := range s.provider.Extra {
		payload[k] = v
	}

	res, err := doJSONRequest[taskResponse](ctx, s.client, s.provider.CreateTaskURL, payload, s.retries)
	if err != nil {
		task.fail(err)
		return task, err
	}
	if res.ErrorID != 0 {
		err := s.providerError(res)
		task.fail(err)
		return task, err
	}
	if res.TaskID.IsZero() {
		err := fmt.Errorf("%w: %s returned no taskId", ErrCaptchaFailed, s.provider.Name)
		task.fail(err)
		return task, err
	}

	task.ID = res.TaskID
	task.State = TaskPending
	return task, nil
}

var errTaskPending = errors.New("task not ready")

// Poll waits for a pending task. A provider error fails the task at once;
// running out of attempts leaves it timed-out with ErrCaptchaTimedOut.
func (s *CaptchaSolver) Poll(ctx context.Context, task *CaptchaTask) (string, error) {
	if task == nil || task.State != TaskPending {
		return "", fmt.Errorf("%w: task is not pending", ErrCaptchaFailed)
	}

	payload := map[string]any{
		"clientKey": s.apiKey,
		"taskId":    task.ID,
	}

	select {
	case <-ctx.Done():
		task.fail(ctx.Err())
		return "", ctx.Err()
	case <-time.After(s.policy.Delay):
	}

	b := retry.WithMaxRetries(uint64(s.policy.Attempts-1), retry.NewConstant(s.policy.Delay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		task.Attempts++

		res, err := doJSONRequest[taskResponse](ctx, s.client, s.provider.TaskResultURL, payload, s.retries)
		if err != nil {
			return err
		}
		if res.ErrorID != 0 {
			return s.providerError(res)
		}
		if res.Status != "ready" {
			return retry.RetryableError(errTaskPending)
		}

		token := solutionToken(res.Solution)
		if token == "" {
			return fmt.Errorf("%w: %s solution carries no token", ErrCaptchaFailed, s.provider.Name)
		}
		task.Token = token
		return nil
	})

	switch {
	case err == nil:
		task.State = TaskReady
		return task.Token, nil
	case errors.Is(err, errTaskPending):
		task.State = TaskTimedOut
		task.Err = ErrCaptchaTimedOut
		return "", fmt.Errorf("%w: %s task %s, %d attempts", ErrCaptchaTimedOut, s.provider.Name, task.ID, task.Attempts)
	default:
		task.fail(err)
		return "", err
	}
}

func (s *CaptchaSolver) providerError(res *taskResponse) error {
	err := &CaptchaProviderError{
		Provider:    s.provider.Name,
		Code:        res.ErrorCode,
		Description: res.ErrorDescription,
	}
	if isFatalCaptchaError(res.ErrorCode) {
		return NewFatalError(err)
	}
	return err
}

// solutionKeys are tried in order; recaptcha tasks fill the first, turnstile the second.
var solutionKeys = []string{"gRecaptchaResponse", "token", "text"}

func solutionToken(solution map[string]any) string {
	for _, key := range solutionKeys {
		if v, ok := solution[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// Helpers
// =============================================================================

var fatalCaptchaCodes = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"ERROR_WRONG_GOOGLEKEY",
	"ERROR_IP_NOT_ALLOWED",
	"ERROR_IP_BANNED",
}

func isFatalCaptchaError(errorCode string) bool {
	return slices.Contains(fatalCaptchaCodes, errorCode)
}

// doJSONRequest POSTs payload and decodes the JSON answer into T. Transport
// failures and 5xx answers are retried with exponential backoff; an
// undecodable body is returned at once.
func doJSONRequest[T any](ctx context.Context, client *fasthttp.Client, uri string, payload any, maxRetries int) (*T, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var (
		result    *T
		decodeErr error
	)
	op := func() error {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(uri)
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.SetContentType("application/json")
		req.SetBody(payloadBytes)

		if err := client.DoDeadline(req, resp, requestDeadline(ctx)); err != nil {
			return err
		}
		if code := resp.StatusCode(); code >= fasthttp.StatusInternalServerError {
			return fmt.Errorf("unexpected status %d", code)
		}

		out := new(T)
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			decodeErr = fmt.Errorf("failed to decode %s response: %w", uri, err)
			return backoff.Permanent(decodeErr)
		}
		result = out
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	if maxRetries < 1 {
		maxRetries = 1
	}
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries-1)), ctx))
	switch {
	case err == nil:
		return result, nil
	case decodeErr != nil:
		return nil, decodeErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, &TransportError{Op: "POST", URL: uri, Err: err}
	}
}

func requestDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(captchaRequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
