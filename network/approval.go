package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanshare/models"
)

// ErrNoPendingRequest indicates ResolveRequest was called with an unknown id.
var ErrNoPendingRequest = errors.New("network: no pending connection request")

// ConnectionRequest is queued when an incoming connect needs a user decision.
type ConnectionRequest struct {
	RequestID  string
	Device     models.DeviceInfo
	Files      []models.FileMeta
	ReceivedAt time.Time
}

// TotalSize returns the combined size of the offered files.
func (r ConnectionRequest) TotalSize() int64 {
	var total int64
	for _, file := range r.Files {
		total += file.Size
	}
	return total
}

type pendingRequest struct {
	request  ConnectionRequest
	decision chan bool
}

type approvalQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newApprovalQueue() *approvalQueue {
	return &approvalQueue{pending: make(map[string]*pendingRequest)}
}

func (q *approvalQueue) enqueue(device models.DeviceInfo, files []models.FileMeta) *pendingRequest {
	p := &pendingRequest{
		request: ConnectionRequest{
			RequestID:  uuid.NewString(),
			Device:     device,
			Files:      append([]models.FileMeta(nil), files...),
			ReceivedAt: time.Now(),
		},
		decision: make(chan bool, 1),
	}

	q.mu.Lock()
	q.pending[p.request.RequestID] = p
	q.mu.Unlock()
	return p
}

func (q *approvalQueue) resolve(requestID string, accept bool) error {
	q.mu.Lock()
	p, ok := q.pending[requestID]
	if ok {
		delete(q.pending, requestID)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoPendingRequest, requestID)
	}

	select {
	case p.decision <- accept:
		return nil
	default:
		return errors.New("connection request decision channel is full")
	}
}

func (q *approvalQueue) remove(p *pendingRequest) {
	q.mu.Lock()
	if current, ok := q.pending[p.request.RequestID]; ok && current == p {
		delete(q.pending, p.request.RequestID)
	}
	q.mu.Unlock()
}

func (q *approvalQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *approvalQueue) list() []ConnectionRequest {
	q.mu.Lock()
	out := make([]ConnectionRequest, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.request)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// wait blocks until the request is resolved, the timeout fires or ctx ends.
// Anything other than an explicit accept is a rejection.
func (q *approvalQueue) wait(ctx context.Context, p *pendingRequest, timeout time.Duration) bool {
	defer q.remove(p)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case accept := <-p.decision:
		return accept
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
