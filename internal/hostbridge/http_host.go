package hostbridge

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

	"github.com/google/uuid"
)

type HTTPHostOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPHost struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPHost(opts HTTPHostOptions) *HTTPHost {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if opts.MaxRetries == 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	return &HTTPHost{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (h *HTTPHost) SignalReady(ctx context.Context) error {
	return h.doJSON(ctx, "ready", http.MethodPost, "/v1/host/ready", struct{}{}, nil, true)
}

func (h *HTTPHost) ProbeEmbedded(ctx context.Context) (bool, error) {
	var out struct {
		Embedded bool `json:"embedded"`
	}
	if err := h.doJSON(ctx, "probe", http.MethodGet, "/v1/host/embedded", nil, &out, true); err != nil {
		return false, err
	}
	return out.Embedded, nil
}

func (h *HTTPHost) Context(ctx context.Context) (HostContext, error) {
	var out HostContext
	err := h.doJSON(ctx, "context", http.MethodGet, "/v1/host/context", nil, &out, true)
	return out, err
}

// SendAction is not retried here; the dispatcher owns action retries.
func (h *HTTPHost) SendAction(ctx context.Context, payload ActionPayload) (ActionResult, error) {
	var out ActionResult
	err := h.doJSON(ctx, "compose", http.MethodPost, "/v1/host/actions/compose", payload, &out, false)
	return out, err
}

func (h *HTTPHost) doJSON(ctx context.Context, op, method, requestPath string, body any, out any, retry bool) error {
	if h == nil {
		return fmt.Errorf("http host is nil")
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := h.maxRetries
	if !retry {
		maxRetries = 0
	}
	correlationID := "hostgate_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, h.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if h.userAgent != "" {
			req.Header.Set("User-Agent", h.userAgent)
		}

		resp, err := h.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, h.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &HostError{Op: op, Code: CodeUnavailable, Message: err.Error()}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, h.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		code := errPayload.Code
		if code == "" {
			code = codeForStatus(resp.StatusCode)
		}
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &HostError{
			Op:         op,
			Code:       code,
			Message:    message,
			StatusCode: resp.StatusCode,
		}
	}
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return CodeUnavailable
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return CodeTimeout
	case status == http.StatusTooEarly:
		return CodeNotReady
	default:
		return CodeRejected
	}
}

func (h *HTTPHost) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := h.maxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := h.baseDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
