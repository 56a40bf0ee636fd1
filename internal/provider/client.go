// Package provider is a stateless adapter over the upstream video-generation API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/digkill/TGVideoBot/internal/config"
	"github.com/digkill/TGVideoBot/internal/metrics"
)

const (
	MaxArtifactBytes = 100 << 20
	MinArtifactBytes = 1 << 10

	downloadAttempts = 3
	dialTimeout      = 10 * time.Second
)

var ErrArtifactSize = errors.New("artifact size out of bounds")

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	downloader *http.Client
	log        *slog.Logger

	retryInterval time.Duration
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext

	return &Client{
		apiKey:        cfg.ProviderAPIKey,
		baseURL:       strings.TrimRight(cfg.ProviderBaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout, Transport: transport},
		downloader:    &http.Client{Timeout: downloadTimeout, Transport: transport},
		log:           log.With("component", "provider"),
		retryInterval: time.Second,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// TaskStatus is the consumed subset of the status envelope.
type TaskStatus struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Outputs     []string `json:"outputs"`
	Error       string   `json:"error"`
	InferenceMS int64    `json:"-"`
}

func (s *TaskStatus) label() string { return strings.ToLower(strings.TrimSpace(s.Status)) }

// Completed reports a finished task; Artifact holds its first output.
func (s *TaskStatus) Completed() bool {
	l := s.label()
	return l == "completed" || l == "succeeded" || l == "success"
}

func (s *TaskStatus) Failed() bool {
	l := s.label()
	return l == "failed" || l == "fail" || l == "error" || l == "cancelled" || l == "canceled"
}

func (s *TaskStatus) Artifact() string {
	for _, out := range s.Outputs {
		if out != "" {
			return out
		}
	}
	return ""
}

// FailureClass classifies the error text of a failed task.
func (s *TaskStatus) FailureClass() Class {
	return ClassifyMessage(s.Error)
}

func (c *Client) endpoint(path string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// call sends one API request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, op, method, path string, payload any, out any) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = string(Classify(err))
		}
		metrics.ProviderRequests.WithLabelValues(op, result).Inc()
	}()

	fullURL, err := c.endpoint(path)
	if err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(ctx, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode >= 300 {
		perr := newError(resp.StatusCode, envelopeMessage(rawBody))
		c.log.Error("provider request failed", "op", op, "status", resp.StatusCode, "class", perr.Class, "body", truncateBody(rawBody))
		return perr
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return &Error{Class: ClassOther, StatusCode: resp.StatusCode, Message: "decode response: " + truncateBody(rawBody), Err: err}
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return newError(env.Code, env.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Class: ClassOther, StatusCode: resp.StatusCode, Message: "decode data: " + truncateBody(env.Data), Err: err}
	}
	return nil
}

func envelopeMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return truncateBody(body)
}

// Submit creates an upstream task and returns its id. It does not retry.
func (c *Client) Submit(ctx context.Context, r Request) (string, error) {
	path, payload, err := r.route()
	if err != nil {
		return "", err
	}
	var data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.call(ctx, "submit", http.MethodPost, path, payload, &data); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	if data.ID == "" {
		return "", &Error{Class: ClassOther, Message: "empty task id in response"}
	}
	c.log.Info("provider task created", "task_id", data.ID, "model", r.Model, "mode", r.Mode)
	return data.ID, nil
}

// Status fetches the current state of taskID.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	var data struct {
		TaskStatus
		Timings struct {
			Inference int64 `json:"inference_ms"`
		} `json:"timings"`
	}
	path := "/api/v3/predictions/" + url.PathEscape(taskID) + "/result"
	if err := c.call(ctx, "status", http.MethodGet, path, nil, &data); err != nil {
		return nil, fmt.Errorf("task %s status: %w", taskID, err)
	}
	status := data.TaskStatus
	status.InferenceMS = data.Timings.Inference
	if status.ID == "" {
		status.ID = taskID
	}
	return &status, nil
}

// AccountBalance returns the upstream monetary balance.
func (c *Client) AccountBalance(ctx context.Context) (float64, error) {
	var data struct {
		Balance float64 `json:"balance"`
	}
	if err := c.call(ctx, "balance", http.MethodGet, "/api/v3/balance", nil, &data); err != nil {
		return 0, fmt.Errorf("account balance: %w", err)
	}
	return data.Balance, nil
}

// Download fetches an artifact, retrying transient failures with exponential backoff.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 8 * c.retryInterval
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		data, err := c.downloadOnce(ctx, rawURL)
		metricResult := "ok"
		if err != nil {
			metricResult = string(Classify(err))
		}
		metrics.ProviderRequests.WithLabelValues("download", metricResult).Inc()
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == downloadAttempts {
			break
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		c.log.Warn("artifact download failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("download artifact: %w", lastErr)
}

func (c *Client) downloadOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := c.downloader.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, newError(resp.StatusCode, "download "+resp.Status)
	}
	if resp.ContentLength > MaxArtifactBytes {
		return nil, &Error{Class: ClassOther, Message: fmt.Sprintf("artifact is %d bytes", resp.ContentLength), Err: ErrArtifactSize}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxArtifactBytes+1))
	if err != nil {
		return nil, transportError(ctx, fmt.Errorf("read artifact: %w", err))
	}
	switch {
	case len(data) > MaxArtifactBytes:
		return nil, &Error{Class: ClassOther, Message: "artifact exceeds 100MB", Err: ErrArtifactSize}
	case len(data) < MinArtifactBytes:
		return nil, &Error{Class: ClassOther, Message: fmt.Sprintf("artifact is only %d bytes", len(data)), Err: ErrArtifactSize}
	}
	return data, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
