// Package downloader defines the ExternalDownloader port the engine uses
// to talk to a Soulseek search-and-fetch backend (slskd), plus the
// concrete HTTP implementation of that port.
package downloader

import (
	"context"
	"time"
)

// Hit is a single search result returned by Search.
type Hit struct {
	Peer        string
	Filename    string
	SizeBytes   int64
	BitrateKbps int
	Format      string
}

// TransferState is the lifecycle state of an in-flight transfer as
// reported by Status.
type TransferState string

const (
	TransferQueued      TransferState = "queued"
	TransferTransferring TransferState = "transferring"
	TransferCompleted    TransferState = "completed"
	TransferCancelled    TransferState = "cancelled"
	TransferErrored      TransferState = "errored"
)

// StatusResult is the reply of a Status call.
type StatusResult struct {
	State        TransferState
	BytesDone    int64
	BytesTotal   int64
	LocalPath    string
	ErrorMessage string
}

// Timeouts for each port operation, per spec §5.
const (
	SearchTimeout  = 10 * time.Second
	EnqueueTimeout = 10 * time.Second
	StatusTimeout  = 5 * time.Second
	CancelTimeout  = 5 * time.Second
	PingTimeout    = 2 * time.Second
)

// ExternalDownloader is the port wrapping the external search-and-fetch
// backend (spec §4.3). Every call may fail with a PortError carrying one
// of the ErrorCode taxonomy tags.
type ExternalDownloader interface {
	Search(ctx context.Context, query string) ([]Hit, error)
	Enqueue(ctx context.Context, peer, filename string, priority int) (externalRef string, err error)
	Status(ctx context.Context, externalRef string) (StatusResult, error)
	Cancel(ctx context.Context, externalRef string) error
	Ping(ctx context.Context) error
}
