package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC error codes providers use for capacity problems
const (
	codeLimitExceeded = -32005 // result-count cap (Infura and friends)
	codeServerTimeout = -32002 // request timed out on the provider
)

// Messages providers return when a log query is too large to serve
var (
	resultCapMessages = []string{
		"query returned more than",
		"more than 10000 results",
		"response size exceeded",
		"response size should not greater than",
		"too many results",
		"log response size exceeded",
	}
	batchTooLargeMessages = []string{
		"batch too large",
		"batch size too large",
		"too many requests in batch",
	}
	rangeTooLargeMessages = []string{
		"block range too large",
		"block range is too large",
		"block range is too wide",
		"exceed maximum block range",
		"exceeds the range allowed",
		"block range is limited to",
		"range too large",
	}
	timeoutMessages = []string{
		"timed out",
		"query timeout",
		"execution timeout",
	}
)

// IsRecoverableRangeError reports whether an eth_getLogs failure for
// [from, to] is a capacity problem that a smaller range can avoid.
// A result-count cap only counts when the range spans more than one block.
func IsRecoverableRangeError(err error, from, to uint64) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= http.StatusInternalServerError {
		return true
	}

	multiBlock := to > from

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeServerTimeout:
			return true
		case codeLimitExceeded:
			if multiBlock {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case multiBlock && containsAny(msg, resultCapMessages):
		return true
	case containsAny(msg, batchTooLargeMessages):
		return true
	case containsAny(msg, rangeTooLargeMessages):
		return true
	case containsAny(msg, timeoutMessages):
		return true
	}

	return false
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
