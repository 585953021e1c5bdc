package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// SlskdClient implements ExternalDownloader against a running slskd
// instance's REST API, grounded on the teacher's newRequest/ProbeURL
// shape in internal/engine/http.go: a shared *http.Client, an API-key
// header, and friendly error classification on every call.
type SlskdClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSlskdClient builds a client against baseURL (e.g. http://host:5030).
// limiter throttles outbound Search/Enqueue calls so a burst of dispatcher
// ticks cannot flood slskd; a nil limiter disables throttling.
func NewSlskdClient(baseURL, apiKey string, limiter *rate.Limiter) *SlskdClient {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &SlskdClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
	}
}

func (c *SlskdClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("downloader: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("downloader: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *SlskdClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &PortError{Code: ClassifyTransportError(err), Err: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &PortError{
			Code: ClassifyHTTPStatus(resp.StatusCode),
			Err:  fmt.Errorf("slskd responded %d: %s", resp.StatusCode, string(body)),
		}
	}
	return resp, nil
}

type slskdSearchRequest struct {
	SearchText string `json:"searchText"`
}

type slskdSearchCreated struct {
	ID string `json:"id"`
}

type slskdSearchFile struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	BitRate     int    `json:"bitRate"`
	Extension   string `json:"extension"`
}

type slskdSearchResponse struct {
	Username string            `json:"username"`
	Files    []slskdSearchFile `json:"files"`
}

// Search starts a search on slskd and polls for responses until results
// arrive or the spec §5 10s budget elapses (spec §4.3, §6).
func (c *SlskdClient) Search(ctx context.Context, query string) ([]Hit, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &PortError{Code: CodeTimeout, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, SearchTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v0/searches", slskdSearchRequest{SearchText: query})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var created slskdSearchCreated
	decodeErr := json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if decodeErr != nil {
		return nil, &PortError{Code: CodeNetworkError, Err: decodeErr}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil // empty results on timeout, not an error; dispatcher treats as NO_RESULTS
		case <-ticker.C:
			hits, done, err := c.pollSearchResponses(ctx, created.ID)
			if err != nil {
				return nil, err
			}
			if done {
				return hits, nil
			}
		}
	}
}

func (c *SlskdClient) pollSearchResponses(ctx context.Context, searchID string) ([]Hit, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v0/searches/"+searchID+"/responses", nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var responses []slskdSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		return nil, false, &PortError{Code: CodeNetworkError, Err: err}
	}
	if len(responses) == 0 {
		return nil, false, nil
	}

	var hits []Hit
	for _, r := range responses {
		for _, f := range r.Files {
			hits = append(hits, Hit{
				Peer:        r.Username,
				Filename:    f.Filename,
				SizeBytes:   f.Size,
				BitrateKbps: f.BitRate,
				Format:      strings.TrimPrefix(strings.ToLower(f.Extension), "."),
			})
		}
	}
	return hits, true, nil
}

type slskdEnqueueRequest struct {
	Username string `json:"username"`
	Filename string `json:"filename"`
}

type slskdEnqueueCreated struct {
	ID string `json:"id"`
}

// Enqueue asks slskd to begin transferring filename from peer.
func (c *SlskdClient) Enqueue(ctx context.Context, peer, filename string, priority int) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &PortError{Code: CodeTimeout, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, EnqueueTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v0/transfers/downloads/"+peer,
		[]slskdEnqueueRequest{{Username: peer, Filename: filename}})
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var created slskdEnqueueCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID == "" {
		// slskd's real API often returns 201 with no body; fall back to a
		// synthetic ref keyed on peer+filename so Status/Cancel still work.
		return peer + ":" + filename, nil
	}
	return created.ID, nil
}

type slskdTransfer struct {
	State             string `json:"state"`
	BytesTransferred  int64  `json:"bytesTransferred"`
	Size              int64  `json:"size"`
	LocalPath         string `json:"localPath"`
	Error             string `json:"error"`
}

// Status reports the current transfer state for externalRef.
func (c *SlskdClient) Status(ctx context.Context, externalRef string) (StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v0/transfers/downloads/"+externalRef, nil)
	if err != nil {
		return StatusResult{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return StatusResult{}, err
	}
	defer resp.Body.Close()

	var t slskdTransfer
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return StatusResult{}, &PortError{Code: CodeNetworkError, Err: err}
	}

	return StatusResult{
		State:        mapTransferState(t.State),
		BytesDone:    t.BytesTransferred,
		BytesTotal:   t.Size,
		LocalPath:    t.LocalPath,
		ErrorMessage: t.Error,
	}, nil
}

func mapTransferState(raw string) TransferState {
	switch strings.ToLower(raw) {
	case "queued":
		return TransferQueued
	case "inprogress", "in_progress", "transferring":
		return TransferTransferring
	case "completed":
		return TransferCompleted
	case "cancelled", "canceled":
		return TransferCancelled
	default:
		return TransferErrored
	}
}

// Cancel best-effort cancels an in-flight transfer.
func (c *SlskdClient) Cancel(ctx context.Context, externalRef string) error {
	ctx, cancel := context.WithTimeout(ctx, CancelTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v0/transfers/downloads/"+externalRef, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Ping is a cheap liveness probe used for circuit breaker half-open tests.
func (c *SlskdClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v0/application", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
