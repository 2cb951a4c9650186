package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a vendor response is read.
const maxResponseBytes = 4 << 20

// codeMalformed marks a 2xx response whose envelope could not be decoded.
const codeMalformed = "malformed_response"

// errorParser extracts the vendor's error code and message from a non-2xx body.
type errorParser func(body []byte) (code, message string)

type request struct {
	provider string
	url      string
	headers  map[string]string
	payload  any
	parseErr errorParser
}

// postJSON marshals payload, sends it and decodes a 2xx body into out.
// Non-2xx responses and undecodable bodies are returned as *Error.
func postJSON(ctx context.Context, client *http.Client, r request, out any) error {
	body, err := json.Marshal(r.payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range r.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &Error{Provider: r.provider, Status: resp.StatusCode}
		if r.parseErr != nil {
			perr.Code, perr.Message = r.parseErr(respBody)
		}
		if perr.Message == "" {
			perr.Message = truncate(string(respBody), 512)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return perr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{
			Provider: r.provider,
			Status:   http.StatusBadGateway,
			Code:     codeMalformed,
			Message:  fmt.Sprintf("decoding response: %v", err),
		}
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// orFallback returns the trimmed text or FallbackText when it is empty.
func orFallback(text string) string {
	if t := strings.TrimSpace(text); t != "" {
		return t
	}
	return FallbackText
}
