package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lanshare/models"
)

// Client speaks the transfer protocol to one receiver.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for a receiver at host:port. A nil httpClient
// uses a default client with a bounded dial timeout.
func NewClient(address string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = newHTTPClient(0)
	}
	base := strings.TrimRight(address, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: httpClient}
}

func newHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Info fetches the receiver's device metadata.
func (c *Client) Info(ctx context.Context) (models.DeviceInfo, error) {
	var info models.DeviceInfo
	if err := c.do(ctx, http.MethodGet, PathInfo, nil, &info); err != nil {
		return models.DeviceInfo{}, err
	}
	return info, nil
}

// Connect offers a batch of files. Rejected, busy and incompatible decisions
// are returned together with the matching sentinel error.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ConnectResponse{}, fmt.Errorf("encode connect request: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, c.baseURL+PathConnect, "application/json", bytes.NewReader(body))
	if err != nil {
		return ConnectResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxControlBodySize))
	if err != nil {
		return ConnectResponse{}, fmt.Errorf("read connect response: %w", err)
	}

	var decision ConnectResponse
	if err := json.Unmarshal(raw, &decision); err != nil || decision.Decision == "" {
		if resp.StatusCode != http.StatusOK {
			return ConnectResponse{}, remoteErrorFrom(resp.StatusCode, raw)
		}
		return ConnectResponse{}, fmt.Errorf("decode connect response: %w", err)
	}

	switch decision.Decision {
	case DecisionAccepted:
		if decision.SessionID == "" {
			return decision, errors.New("accepted connect response without session id")
		}
		return decision, nil
	case DecisionRejected:
		return decision, ErrPeerRejected
	case DecisionBusy:
		return decision, ErrPeerBusy
	case DecisionIncompatibleVersion:
		return decision, fmt.Errorf("%w: peer supports %v", ErrIncompatibleVersion, decision.SupportedVersions)
	default:
		return decision, fmt.Errorf("unknown connect decision %q", decision.Decision)
	}
}

// PrepareUpload opens or resumes one file and returns the start offset.
func (c *Client) PrepareUpload(ctx context.Context, req PrepareUploadRequest) (PrepareUploadResponse, error) {
	var resp PrepareUploadResponse
	if err := c.do(ctx, http.MethodPost, PathPrepareUpload, req, &resp); err != nil {
		return PrepareUploadResponse{}, err
	}
	return resp, nil
}

// UploadChunk sends one chunk with its BLAKE2b checksum.
func (c *Client) UploadChunk(ctx context.Context, sessionID, taskID string, seq int, checksum string, data []byte) (ChunkAck, error) {
	query := url.Values{}
	query.Set(paramSession, sessionID)
	query.Set(paramTask, taskID)
	query.Set(paramSeq, strconv.Itoa(seq))
	query.Set(paramChecksum, checksum)

	resp, err := c.send(ctx, http.MethodPost, c.baseURL+PathUpload+"?"+query.Encode(), "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		return ChunkAck{}, err
	}
	defer resp.Body.Close()

	var ack ChunkAck
	if err := decodeResponse(resp, &ack); err != nil {
		return ChunkAck{}, err
	}
	return ack, nil
}

// Finish asks the receiver to verify and finalize a file.
func (c *Client) Finish(ctx context.Context, req FinishRequest) (FinishResponse, error) {
	var resp FinishResponse
	if err := c.do(ctx, http.MethodPost, PathFinish, req, &resp); err != nil {
		return FinishResponse{}, err
	}
	return resp, nil
}

// Cancel pauses or discards one task, or the whole session when TaskID is empty.
func (c *Client) Cancel(ctx context.Context, req CancelRequest) error {
	return c.do(ctx, http.MethodPost, PathCancel, req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	resp, err := c.send(ctx, method, c.baseURL+path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, target)
}

func (c *Client) send(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, target any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxControlBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return remoteErrorFrom(resp.StatusCode, raw)
	}
	if target == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func remoteErrorFrom(status int, raw []byte) *RemoteError {
	var message ErrorMessage
	if err := json.Unmarshal(raw, &message); err != nil || message.Code == "" {
		return &RemoteError{
			Status:  status,
			Code:    CodeInternal,
			Message: strings.TrimSpace(string(raw)),
		}
	}
	return &RemoteError{
		Status:      status,
		Code:        message.Code,
		Message:     message.Message,
		ExpectedSeq: message.ExpectedSeq,
	}
}
