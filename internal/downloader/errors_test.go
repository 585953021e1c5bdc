package downloader

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorCode
	}{
		{http.StatusTooManyRequests, CodeRateLimited},
		{http.StatusNotFound, CodeFileNotFound},
		{http.StatusForbidden, CodePeerBlockedUs},
		{http.StatusInternalServerError, CodeDownloaderUnavail},
		{http.StatusBadRequest, CodeTransferRejected},
		{http.StatusOK, CodeTransferFailed},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyHTTPStatus(c.status))
	}
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), ClassifyTransportError(nil))
	assert.Equal(t, CodeTimeout, ClassifyTransportError(errors.New("context deadline exceeded")))
	assert.Equal(t, CodeNetworkError, ClassifyTransportError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, CodeNetworkError, ClassifyTransportError(errors.New("some other failure")))
}

func TestClassifyRemoteErrorString(t *testing.T) {
	assert.Equal(t, CodeFileNotFound, ClassifyRemoteErrorString("file not found on peer"))
	assert.Equal(t, CodePeerBlockedUs, ClassifyRemoteErrorString("peer has blocked this user"))
	assert.Equal(t, CodeInvalidFile, ClassifyRemoteErrorString("file is corrupt"))
	assert.Equal(t, CodeTransferRejected, ClassifyRemoteErrorString("transfer rejected by peer"))
	assert.Equal(t, CodeTimeout, ClassifyRemoteErrorString("connection timeout"))
	assert.Equal(t, CodeDownloaderUnavail, ClassifyRemoteErrorString("peer offline"))
	assert.Equal(t, CodeTransferFailed, ClassifyRemoteErrorString("something unexpected happened"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(CodeTimeout))
	assert.True(t, IsRetryable(CodeTransferRejected))
	assert.False(t, IsRetryable(CodeFileNotFound))
	assert.True(t, IsRetryable(CodeNoResults), "NO_RESULTS is retryable until the retry budget is exhausted")
}

func TestIsTransportClass(t *testing.T) {
	assert.True(t, IsTransportClass(CodeTimeout))
	assert.True(t, IsTransportClass(CodeDownloaderUnavail))
	assert.False(t, IsTransportClass(CodeFileNotFound))
	assert.False(t, IsTransportClass(CodeTransferRejected))
}

func TestAsPortError(t *testing.T) {
	wrapped := &PortError{Code: CodeTimeout, Err: errors.New("boom")}
	pe, ok := AsPortError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeTimeout, pe.Code)

	_, ok = AsPortError(errors.New("plain"))
	assert.False(t, ok)
}
