package worker

import (
	"strings"
)

func retryable(doErr error, status int) bool {
	return doErr != nil || status == 429 || status >= 500
}

// classifyReason buckets a failed attempt for metrics and logs.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		switch {
		case strings.Contains(errLower, "timeout"), strings.Contains(errLower, "deadline exceeded"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
			return "dns_error"
		}
		return "network"
	}
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status == 429:
		return "http_429"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
