package rpcpool

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
)

// Classify buckets an RPC error for metrics and retry decisions.
func Classify(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ethereum.NotFound) {
		return "not_found"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500 ") || strings.Contains(lower, "502") || strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") || strings.Contains(lower, "internal server error") || strings.Contains(lower, "bad gateway"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}

// IsConnectivity reports whether err means the endpoint, not the request,
// is at fault.
func IsConnectivity(err error) bool {
	if errors.Is(err, ErrNoEndpointAvailable) {
		return false
	}
	switch Classify(err) {
	case "timeout", "rate_limited", "server_error", "network_error":
		return true
	}
	return false
}
