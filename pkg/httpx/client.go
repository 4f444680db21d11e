package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DeliveryOptions control retry behavior for outbound JSON deliveries.
// The zero value means a single attempt with no backoff.
type DeliveryOptions struct {
	Retries int
	Backoff time.Duration
	Headers map[string]string
}

// PostJSON delivers a JSON payload to an external endpoint, typically an
// operator alert webhook. Transport errors and 5xx responses are retried
// with growing backoff; a 4xx response is final and returned as-is. The
// response body is drained and discarded so connections can be reused.
func PostJSON(ctx context.Context, client *http.Client, url string, payload []byte, opts DeliveryOptions) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}
	attempts := opts.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := opts.Backoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(wait):
			}
		}

		status, err := postOnce(ctx, client, url, payload, opts.Headers)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("endpoint returned %d", status)
			continue
		}
		return status, nil
	}
	return 0, lastErr
}

func postOnce(ctx context.Context, client *http.Client, url string, payload []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
