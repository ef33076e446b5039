package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
)

// outboundRetry is the policy applied to every provider HTTP call:
// network errors, 429s, and 5xx responses are retried with exponential
// backoff; other statuses surface immediately.
var outboundRetry = core.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	Multiplier:     2,
}

// postJSON POSTs body to url with the given headers and returns the
// response body on a 200. Transient failures are retried under
// outboundRetry; a non-retryable status is returned without retrying.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) ([]byte, error) {
	var respBody []byte
	var permanent error
	err := core.Retry(ctx, outboundRetry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			permanent = fmt.Errorf("build request: %w", err)
			return nil
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(b))
		}
		if resp.StatusCode != http.StatusOK {
			permanent = fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(b))
			return nil
		}
		respBody = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if permanent != nil {
		return nil, permanent
	}
	return respBody, nil
}
