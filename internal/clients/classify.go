package clients

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/deepreadx/internal/errors"
)

// apiErrorBody is the OpenAI-style error envelope DeepSeek also returns
type apiErrorBody struct {
	Error *struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

// rateLimitSignal reports a provider-specific rate-limit marker in an error body
func rateLimitSignal(body []byte) (string, bool) {
	var env apiErrorBody
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return "", false
	}
	code := strings.ToLower(fmt.Sprint(env.Error.Code))
	typ := strings.ToLower(env.Error.Type)
	if strings.Contains(code, "rate_limit") || strings.Contains(typ, "rate_limit") {
		return env.Error.Message, true
	}
	return env.Error.Message, false
}

// classifyStatus maps a non-2xx HTTP response to the error taxonomy
func classifyStatus(status int, header http.Header, body []byte) *errors.PipelineError {
	msg, limited := rateLimitSignal(body)
	if msg == "" {
		msg = snippet(body)
	}

	switch {
	case status == http.StatusTooManyRequests || limited:
		return errors.NewRateLimitedError(status, parseRetryAfter(header.Get("Retry-After"), time.Now()), msg)
	case status >= 500:
		return errors.NewTransientError(status, msg, nil)
	case status == http.StatusRequestTimeout:
		return errors.NewTransientError(status, msg, nil)
	default:
		return errors.NewFatalError(status, msg, nil)
	}
}

// classifyTransport maps a failed round trip. reqCtx is the per-request
// context carrying the timeout.
func classifyTransport(reqCtx context.Context, err error, timeout time.Duration) *errors.PipelineError {
	if stderrors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError(timeout, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTimeoutError(timeout, err)
	}
	return errors.NewTransientError(0, "request failed", err)
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response body"
	}
	return s
}
