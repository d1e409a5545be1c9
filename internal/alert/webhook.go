package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
	maxRetryAfter  = 10 * time.Second
)

var (
	httpClient = &http.Client{Timeout: requestTimeout}
	retryDelay = time.Second
)

// Send posts an alert event to a webhook endpoint. 5xx and 429 responses
// and transport errors are retried with linear backoff; a Retry-After
// header, capped at maxRetryAfter, replaces the backoff for that attempt.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if wait == 0 {
				wait = time.Duration(attempt) * retryDelay
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook canceled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(wait):
			}
			wait = 0
		}

		status, after, err := post(ctx, cfg, body)
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("webhook throttled: HTTP %d", status)
			wait = after
		case status >= 400 && status < 500:
			return fmt.Errorf("webhook rejected: HTTP %d", status)
		default:
			lastErr = fmt.Errorf("webhook server error: HTTP %d", status)
			wait = after
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

// post sends one request and returns the status and any Retry-After delay.
func post(ctx context.Context, cfg AlertConfig, body []byte) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "procwatch")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, retryAfter(resp.Header.Get("Retry-After")), nil
}

// retryAfter parses a delay-seconds Retry-After value. HTTP dates are
// ignored.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}
