// File: internal/automation/client.go
package automation

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ganainy/appium-traverser-sub001/api/schemas"
	"github.com/ganainy/appium-traverser-sub001/internal/config"
)

// Default dialer and pool settings for the single-host automation endpoint.
const (
	defaultDialTimeout       = 5 * time.Second
	defaultKeepAliveInterval = 15 * time.Second
	defaultMaxIdleConns      = 20
	defaultIdleConnsPerHost  = 10
	defaultIdleConnTimeout   = 30 * time.Second
)

// Tool names understood by the automation endpoint.
const (
	toolTakeScreenshot = "take_screenshot"
	toolGetPageSource  = "get_page_source"
	toolGetCurrentApp  = "get_current_app"
	toolLaunchApp      = "launch_app"
	toolTap            = "tap"
	toolInputText      = "input_text"
	toolScroll         = "scroll"
	toolSwipe          = "swipe"
	toolLongPress      = "long_press"
	toolPressBack      = "press_back"
	toolWait           = "wait"
)

// callRequest is the wire shape of one tool invocation.
type callRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Client is the resilient RPC channel to the automation endpoint. Every tool
// call runs through a circuit breaker and a bounded retry loop; connection
// failures are retried with capped exponential backoff plus jitter, while
// server-reported errors surface immediately.
//
// Client is safe for concurrent use, though the crawl loop issues calls
// strictly one at a time.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	healthClient *http.Client
	breaker      *CircuitBreaker
	limiter      *rate.Limiter
	maxAttempts  int
	backoffCap   time.Duration
	jitterMax    time.Duration
	logger       *zap.Logger
}

// Option customizes a Client beyond its configuration.
type Option func(*Client)

// WithBreaker replaces the default circuit breaker, mainly so tests can
// inject one with a controlled clock.
func WithBreaker(cb *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithHTTPClient replaces the underlying HTTP client used for tool calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a client for the configured automation endpoint.
func NewClient(cfg config.ServerConfig, logger *zap.Logger, opts ...Option) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: defaultKeepAliveInterval,
		}).DialContext,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		healthClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.HealthTimeout,
		},
		breaker: NewCircuitBreaker(
			WithBreakerThreshold(cfg.Breaker.FailureThreshold),
			WithBreakerRecoveryTimeout(cfg.Breaker.RecoveryTimeout),
		),
		maxAttempts: cfg.MaxAttempts,
		backoffCap:  cfg.BackoffCap,
		jitterMax:   cfg.JitterMax,
		logger:      logger.Named("automation"),
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Breaker exposes the client's circuit breaker for status reporting.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// CallTool invokes one named tool on the automation endpoint and decodes the
// uniform result envelope. A ToolResult with Success=false is a valid result,
// not an error: the tool ran and reported a device-level failure.
//
// Errors: *CircuitOpenError while the breaker rejects calls, *ConnectionError
// after all retries are exhausted, *ProtocolError for server-reported
// failures (never retried).
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (*schemas.ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(callRequest{Tool: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshaling call request for %q: %w", tool, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if ok, wait := c.breaker.Allow(); !ok {
			return nil, &CircuitOpenError{RetryAfter: wait}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		result, err := c.doCall(ctx, tool, body)
		if err == nil {
			c.breaker.RecordSuccess()
			return result, nil
		}

		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				// The server answered; the transport itself is healthy.
				c.breaker.RecordSuccess()
			}
			return nil, err
		}
		if ctx.Err() != nil {
			// Canceled mid-flight; not a statement about server health.
			return nil, err
		}

		c.breaker.RecordFailure()
		lastErr = err
		if c.breaker.State() == BreakerOpen {
			c.logger.Warn("Circuit breaker opened after repeated connection failures",
				zap.String("tool", tool),
				zap.Int("failures", c.breaker.Failures()),
				zap.Error(err))
			return nil, lastErr
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := c.retryDelay(attempt)
		c.logger.Warn("Connection failure, retrying tool call",
			zap.String("tool", tool),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// doCall performs a single HTTP attempt.
func (c *Client) doCall(ctx context.Context, tool string, body []byte) (*schemas.ToolResult, error) {
	url := c.baseURL + "/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request for %q: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewConnectionError("call", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewConnectionError("call", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProtocolError{Tool: tool, StatusCode: resp.StatusCode, Message: truncateForLog(respBody)}
	}

	var result schemas.ToolResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &ProtocolError{Tool: tool, StatusCode: resp.StatusCode, Message: fmt.Sprintf("undecodable response body: %v", err)}
	}
	return &result, nil
}

// retryDelay computes the wait before the next attempt: exponential growth
// capped at backoffCap, plus uniform jitter in [0, jitterMax).
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := time.Second << uint(attempt-1)
	if delay <= 0 || delay > c.backoffCap {
		delay = c.backoffCap
	}
	if c.jitterMax > 0 {
		delay += time.Duration(rand.Float64() * float64(c.jitterMax))
	}
	return delay
}

// CheckHealth queries the liveness and readiness probes. Both are out-of-band
// from CallTool: no retry, no breaker involvement. A 200 maps to true, a 503
// (still initializing) to false.
func (c *Client) CheckHealth(ctx context.Context) (alive, ready bool, err error) {
	alive, err = c.probe(ctx, "health", "/health")
	if err != nil {
		return false, false, err
	}
	ready, err = c.probe(ctx, "ready", "/ready")
	if err != nil {
		return alive, false, err
	}
	return alive, ready, nil
}

func (c *Client) probe(ctx context.Context, op, path string) (bool, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("building %s probe: %w", op, err)
	}
	resp, err := c.healthClient.Do(req)
	if err != nil {
		return false, NewConnectionError(op, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

// Close releases idle connections held by the pools.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
	c.healthClient.CloseIdleConnections()
}

// -- Typed tool wrappers used by the crawl loop --

// CaptureScreenshot returns the current screen rendered as PNG bytes.
func (c *Client) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	result, err := c.CallTool(ctx, toolTakeScreenshot, nil)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("screenshot capture failed: %s", result.Message)
	}
	var payload struct {
		ImageBase64 string `json:"image_base64"`
	}
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding screenshot payload: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(payload.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot image: %w", err)
	}
	return raw, nil
}

// CaptureUITree returns the raw UI-tree XML dump and the name of the
// currently rendered activity.
func (c *Client) CaptureUITree(ctx context.Context) (xml, activity string, err error) {
	result, err := c.CallTool(ctx, toolGetPageSource, nil)
	if err != nil {
		return "", "", err
	}
	if !result.Success {
		return "", "", fmt.Errorf("UI tree capture failed: %s", result.Message)
	}
	var payload struct {
		XML          string `json:"xml"`
		ActivityName string `json:"activity_name"`
	}
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		return "", "", fmt.Errorf("decoding UI tree payload: %w", err)
	}
	return payload.XML, payload.ActivityName, nil
}

// CurrentForegroundApp returns the package and activity currently in the
// foreground on the device.
func (c *Client) CurrentForegroundApp(ctx context.Context) (pkg, activity string, err error) {
	result, err := c.CallTool(ctx, toolGetCurrentApp, nil)
	if err != nil {
		return "", "", err
	}
	if !result.Success {
		return "", "", fmt.Errorf("foreground lookup failed: %s", result.Message)
	}
	var payload struct {
		Package  string `json:"package"`
		Activity string `json:"activity"`
	}
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		return "", "", fmt.Errorf("decoding foreground payload: %w", err)
	}
	return payload.Package, payload.Activity, nil
}

// LaunchApp starts (or brings to the foreground) the target application.
func (c *Client) LaunchApp(ctx context.Context, appPackage, startActivity string) error {
	args := map[string]any{"app_package": appPackage}
	if startActivity != "" {
		args["start_activity"] = startActivity
	}
	result, err := c.CallTool(ctx, toolLaunchApp, args)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("launching %s: %s", appPackage, result.Message)
	}
	return nil
}

// PerformAction dispatches a resolved device action through the execution
// surface. The returned ToolResult carries the device-level outcome.
func (c *Client) PerformAction(ctx context.Context, action schemas.DeviceAction) (*schemas.ToolResult, error) {
	tool, args, err := mapAction(action)
	if err != nil {
		return nil, err
	}
	return c.CallTool(ctx, tool, args)
}

// mapAction translates a DeviceAction into the tool name and argument shape
// the endpoint expects.
func mapAction(action schemas.DeviceAction) (string, map[string]any, error) {
	switch action.Kind {
	case schemas.ActionTap:
		return toolTap, map[string]any{"target_identifier": action.TargetIdentifier}, nil
	case schemas.ActionInput:
		return toolInputText, map[string]any{
			"target_identifier": action.TargetIdentifier,
			"text":              action.Text,
		}, nil
	case schemas.ActionScroll:
		return toolScroll, map[string]any{"direction": directionOrDefault(action.Direction)}, nil
	case schemas.ActionSwipe:
		return toolSwipe, map[string]any{"direction": directionOrDefault(action.Direction)}, nil
	case schemas.ActionLongPress:
		args := map[string]any{"target_identifier": action.TargetIdentifier}
		if action.DurationMs > 0 {
			args["duration_ms"] = action.DurationMs
		}
		return toolLongPress, args, nil
	case schemas.ActionBack:
		return toolPressBack, nil, nil
	case schemas.ActionWait:
		args := map[string]any{}
		if action.DurationMs > 0 {
			args["duration_ms"] = action.DurationMs
		}
		return toolWait, args, nil
	default:
		return "", nil, fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

func directionOrDefault(direction string) string {
	if direction == "" {
		return "down"
	}
	return direction
}

// truncateForLog keeps error payloads loggable when a proxy or misbehaving
// server returns a large body.
func truncateForLog(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "...(truncated)"
	}
	return s
}
