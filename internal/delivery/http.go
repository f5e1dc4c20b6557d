package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/spyglass/internal/wire"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultRetryMax     = 2
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second

	maxResponseBody = 64 << 10
)

type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
}

// HTTPTransport posts form-encoded payloads to the collector track endpoint.
// Retries inside a single Send are bounded by RetryMax; anything still failing
// is reported to the caller as a transient error.
type HTTPTransport struct {
	client *retryablehttp.Client
	logger zerolog.Logger
}

func NewHTTPTransport(cfg HTTPConfig, logger zerolog.Logger) *HTTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = defaultRetryWaitMin
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = defaultRetryWaitMax
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{logger: logger}

	return &HTTPTransport{
		client: client,
		logger: logger,
	}
}

type collectorResponse struct {
	Result string `json:"result"`
	Code   int    `json:"code"`
}

func (t *HTTPTransport) Send(ctx context.Context, endpointURL string, payload []byte) Result {
	target, err := trackURL(endpointURL)
	if err != nil {
		return ClientError(err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, []byte(wire.EncodeForm(payload)))
	if err != nil {
		return ClientError(fmt.Errorf("could not create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	res, err := t.client.Do(req)
	if err != nil {
		return TransientError(fmt.Errorf("could not send request: %w", err))
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return TransientError(fmt.Errorf("read response: %w", err))
	}

	if res.StatusCode/100 != 2 {
		err := fmt.Errorf("unexpected status code: %d when accessing URL: %s", res.StatusCode, target)
		if isHTTPErrorRecoverable(res.StatusCode) {
			return TransientError(err)
		}
		return ClientError(err)
	}

	var ack collectorResponse
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &ack) == nil && ack.Code != 0 {
		return ClientError(fmt.Errorf("collector refused payload: result %q code %d", ack.Result, ack.Code))
	}
	return Success()
}

func trackURL(endpointURL string) (string, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", endpointURL)
	}
	return strings.TrimRight(endpointURL, "/") + wire.TrackPath, nil
}

// isHTTPErrorRecoverable reports whether a retry might resolve an error status.
// Malformed payloads (400) and other 4xx errors are permanent.
func isHTTPErrorRecoverable(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}
	return true
}

type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
