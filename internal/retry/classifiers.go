package retry

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

var (
	agentThrottled = []string{"rate limit", "429", "too many requests", "overloaded", "capacity"}
	agentTransient = []string{
		"timeout", "timed out", "deadline exceeded",
		"connection refused", "connection reset", "no such host", "network", "temporary failure",
		"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable",
	}
)

// ClassifyAgent classifies failures of the coding agent CLI from its output.
func ClassifyAgent(err error) ErrorType {
	if err == nil {
		return Permanent
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, agentThrottled):
		return RateLimited
	case containsAny(msg, agentTransient):
		return Retryable
	default:
		return Permanent
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// ClassifyHTTP classifies HTTP errors by status code. Only 429 and 5xx are
// worth another attempt.
func ClassifyHTTP(statusCode int) ErrorType {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return RateLimited
	case statusCode >= 500 && statusCode < 600:
		return Retryable
	default:
		return Permanent
	}
}

var statusPattern = regexp.MustCompile(`(?i)\b(?:http|status(?: code)?|error)[ :]*([1-5]\d\d)\b`)

// ClassifyHost classifies errors from the VCS host API. The status code is
// taken from a StatusCoder in the chain, or parsed from messages such as
// "HTTP 502" or "status 429".
func ClassifyHost(err error) ErrorType {
	if err == nil {
		return Permanent
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return ClassifyHTTP(sc.StatusCode())
	}

	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return ClassifyHTTP(code)
	}

	if containsAny(strings.ToLower(err.Error()), []string{"rate limit", "too many requests"}) {
		return RateLimited
	}
	return Permanent
}
