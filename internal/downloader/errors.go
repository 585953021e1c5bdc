package downloader

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

// ErrorCode tags a failed port call with the taxonomy from spec §7.
type ErrorCode string

const (
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeNetworkError        ErrorCode = "NETWORK_ERROR"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeDownloaderUnavail   ErrorCode = "DOWNLOADER_UNAVAILABLE"
	CodeLostByDownloader    ErrorCode = "LOST_BY_DOWNLOADER"
	CodeTransferRejected    ErrorCode = "TRANSFER_REJECTED"
	CodeTransferFailed      ErrorCode = "TRANSFER_FAILED"
	CodeFileNotFound        ErrorCode = "FILE_NOT_FOUND"
	CodePeerBlockedUs       ErrorCode = "PEER_BLOCKED_US"
	CodeInvalidFile         ErrorCode = "INVALID_FILE"
	CodeNoResults           ErrorCode = "NO_RESULTS"
)

// RetryKind classifies how a code is retried (spec §7). The workers only
// consult it through IsRetryable, so RetryWait and RetryAlternative codes
// are handled the same way: both wait out the backoff schedule.
type RetryKind int

const (
	// NotRetryable means the row moves straight to terminal FAILED with
	// no retry, whatever retry budget remains.
	NotRetryable RetryKind = iota
	// RetryWait means the row should wait out the backoff schedule before
	// trying again.
	RetryWait
	// RetryAlternative means a different candidate should be tried on the
	// next dispatch tick without necessarily waiting out the full backoff.
	RetryAlternative
)

var retryKinds = map[ErrorCode]RetryKind{
	CodeTimeout:           RetryWait,
	CodeNetworkError:      RetryWait,
	CodeRateLimited:       RetryWait,
	CodeDownloaderUnavail: RetryWait,
	CodeLostByDownloader:  RetryWait,
	CodeTransferRejected:  RetryAlternative,
	CodeTransferFailed:    RetryAlternative,
	CodeFileNotFound:      NotRetryable,
	CodePeerBlockedUs:     NotRetryable,
	CodeInvalidFile:       NotRetryable,
	// NO_RESULTS is retryable per the backoff schedule like any other
	// dispatch-stage failure; spec §7 only calls it "non-retryable once
	// retry_count is exhausted", which is the same budget check every
	// other retryable code goes through (spec §4.6 step 5, scenario S2).
	CodeNoResults: RetryWait,
}

// Kind reports how code should be handled.
func Kind(code ErrorCode) RetryKind {
	if k, ok := retryKinds[code]; ok {
		return k
	}
	return RetryAlternative // unknown strings classify as TRANSFER_FAILED, which is retryable
}

// IsRetryable reports whether code should ever schedule a retry.
func IsRetryable(code ErrorCode) bool { return Kind(code) != NotRetryable }

// IsTransportClass reports whether code should count against the circuit
// breaker (spec §4.4: only transport/unavailable/timeout failures do).
func IsTransportClass(code ErrorCode) bool {
	switch code {
	case CodeTimeout, CodeNetworkError, CodeDownloaderUnavail, CodeRateLimited:
		return true
	default:
		return false
	}
}

// PortError wraps a classified failure from an ExternalDownloader call.
type PortError struct {
	Code ErrorCode
	Err  error
}

func (e *PortError) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *PortError) Unwrap() error { return e.Err }

// AsPortError extracts the *PortError wrapped in err; it returns nil,false
// for any other error and leaves classifying it to the caller.
func AsPortError(err error) (*PortError, bool) {
	var pe *PortError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ClassifyHTTPStatus maps an HTTP response status to an ErrorCode.
func ClassifyHTTPStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusNotFound:
		return CodeFileNotFound
	case status == http.StatusForbidden:
		return CodePeerBlockedUs
	case status >= 500:
		return CodeDownloaderUnavail
	case status >= 400:
		return CodeTransferRejected
	default:
		return CodeTransferFailed
	}
}

// ClassifyTransportError maps a transport-level Go error to an ErrorCode.
func ClassifyTransportError(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return CodeTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "eof"):
		return CodeNetworkError
	default:
		return CodeNetworkError
	}
}

// ClassifyRemoteErrorString maps a downloader-reported error string to a
// taxonomy code; unknown strings map to TRANSFER_FAILED (spec §7).
func ClassifyRemoteErrorString(s string) ErrorCode {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "not found"):
		return CodeFileNotFound
	case strings.Contains(lower, "blocked") || strings.Contains(lower, "banned"):
		return CodePeerBlockedUs
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "corrupt"):
		return CodeInvalidFile
	case strings.Contains(lower, "reject"):
		return CodeTransferRejected
	case strings.Contains(lower, "timeout"):
		return CodeTimeout
	case strings.Contains(lower, "offline") || strings.Contains(lower, "unavailable"):
		return CodeDownloaderUnavail
	default:
		return CodeTransferFailed
	}
}
