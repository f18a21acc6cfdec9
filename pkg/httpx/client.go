package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON performs one HTTP exchange and returns status and body.
// Retries (transport errors and 5xx only) are opt-in per call site; pass
// retries=0 for integration points that must not retry. A canceled context
// aborts the retry wait immediately.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var (
		status  int
		respRaw []byte
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		status, respRaw, lastErr = exchangeJSON(ctx, client, method, url, body, headers)
		retryable := lastErr != nil || status >= 500
		if !retryable || attempt >= retries {
			break
		}
		if err := sleepCtx(ctx, retryDelay); err != nil {
			return 0, nil, err
		}
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return status, respRaw, nil
}

func exchangeJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
