package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// APIError is a non-2xx response from a delivery platform.
type APIError struct {
	Platform   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API: HTTP %d: %s", e.Platform, e.StatusCode, e.Body)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// apiClient issues JSON requests to a chat platform with retry.
type apiClient struct {
	platform   string
	http       *http.Client
	logger     *slog.Logger
	attempts   uint
	retryDelay time.Duration
	secret     string // Scrubbed from every error; set when the token is part of the URL
}

func newAPIClient(platform string, client *http.Client, logger *slog.Logger) apiClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return apiClient{
		platform:   platform,
		http:       client,
		logger:     logger,
		attempts:   3,
		retryDelay: time.Second,
	}
}

// do sends payload (if non-nil) and decodes a 2xx response into out (if non-nil).
// 4xx responses other than 429 are not retried.
func (c *apiClient) do(ctx context.Context, method, endpoint string, header http.Header, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	jitter := c.retryDelay / 2
	if jitter <= 0 {
		jitter = time.Millisecond
	}

	var lastStatus *APIError
	err := retry.Do(
		func() error {
			var reader io.Reader = http.NoBody
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", c.scrub(err)))
			}
			for k, v := range header {
				req.Header[k] = v
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			startTime := time.Now()
			resp, err := c.http.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				err = c.scrub(err)
				c.logger.Warn("Delivery API request failed",
					"platform", c.platform,
					"method", method,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			c.logger.Debug("Delivery API request completed",
				"platform", c.platform,
				"method", method,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				apiErr := &APIError{Platform: c.platform, StatusCode: resp.StatusCode, Body: c.redact(string(data))}
				lastStatus = apiErr
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(apiErr)
				}
				return apiErr
			}

			if out != nil && len(data) > 0 {
				if err := json.Unmarshal(data, out); err != nil {
					return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
				}
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(5*c.retryDelay),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying delivery request after error", "platform", c.platform, "attempt", n, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	// Keep the last status reachable by errors.As whatever the retry wrapper does.
	var apiErr *APIError
	if lastStatus != nil && !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", err, lastStatus)
	}
	return err
}

// scrub drops the request URL from transport errors. The URL can embed the
// bot token (Telegram puts it in the path).
func (c *apiClient) scrub(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s %s request: %w", c.platform, strings.ToUpper(urlErr.Op), &redactedError{err: urlErr.Err, text: c.redact(urlErr.Err.Error())})
	}
	if c.secret != "" && strings.Contains(err.Error(), c.secret) {
		return &redactedError{err: err, text: c.redact(err.Error())}
	}
	return err
}

func (c *apiClient) redact(s string) string {
	if c.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, c.secret, "[REDACTED]")
}

// redactedError keeps the wrapped error reachable by errors.Is while
// printing scrubbed text.
type redactedError struct {
	err  error
	text string
}

func (e *redactedError) Error() string { return e.text }

func (e *redactedError) Unwrap() error { return e.err }
