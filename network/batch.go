package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"lanshare/models"
)

// TaskResult is the terminal outcome of one file.
type TaskResult struct {
	Task models.TransferTask
	Err  error
}

// BatchReport accounts for every task of a batch.
type BatchReport struct {
	BatchID      string
	PeerDeviceID string
	Results      []TaskResult
}

// Count returns how many tasks ended in state.
func (r BatchReport) Count(state models.TaskState) int {
	return lo.CountBy(r.Results, func(result TaskResult) bool {
		return result.Task.State == state
	})
}

// Succeeded reports whether every task completed.
func (r BatchReport) Succeeded() bool {
	return len(r.Results) > 0 && r.Count(models.TaskCompleted) == len(r.Results)
}

// Batch is a running multi-file send to one peer.
type Batch struct {
	ID           string
	PeerDeviceID string

	ctx          context.Context
	cancel       context.CancelFunc
	teardown     atomic.Bool
	teardownOnce sync.Once
	discard      func()

	tasks []*sendTask
	byID  map[string]*sendTask

	totalBytes    int64
	bytesDone     atomic.Int64
	filesFinished atomic.Int64

	sessionMu sync.Mutex
	client    *Client
	sessionID string

	done   chan struct{}
	report BatchReport
}

type sendTask struct {
	meta   models.FileMeta
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	task models.TransferTask
	err  error
}

func newBatch(parent context.Context, id, peerDeviceID string, tasks []*sendTask) *Batch {
	ctx, cancel := context.WithCancel(parent)
	b := &Batch{
		ID:           id,
		PeerDeviceID: peerDeviceID,
		ctx:          ctx,
		cancel:       cancel,
		tasks:        tasks,
		byID:         make(map[string]*sendTask, len(tasks)),
		done:         make(chan struct{}),
	}
	for _, task := range tasks {
		task.ctx, task.cancel = context.WithCancel(ctx)
		b.byID[task.task.TaskID] = task
		b.totalBytes += task.task.TotalSize
	}
	return b
}

// Cancel stops every task. Resume checkpoints are kept on both sides.
func (b *Batch) Cancel() {
	b.cancel()
}

// CancelTask stops one task and leaves the others running.
func (b *Batch) CancelTask(taskID string) error {
	task, ok := b.byID[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	task.cancel()
	return nil
}

// Teardown cancels the batch and discards partial data and resume
// checkpoints on both sides. It blocks until the batch has stopped.
func (b *Batch) Teardown() {
	b.teardown.Store(true)
	b.cancel()
	<-b.done
	b.teardownOnce.Do(func() {
		if b.discard != nil {
			b.discard()
		}
	})
}

// Done is closed when every task reached a terminal state.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch finishes and returns its report.
func (b *Batch) Wait() BatchReport {
	<-b.done
	return b.report
}

// Tasks returns a snapshot of every task.
func (b *Batch) Tasks() []models.TransferTask {
	return lo.Map(b.tasks, func(task *sendTask, _ int) models.TransferTask {
		return task.snapshot()
	})
}

func (b *Batch) setSession(client *Client, sessionID string) {
	b.sessionMu.Lock()
	b.client = client
	b.sessionID = sessionID
	b.sessionMu.Unlock()
}

func (b *Batch) session() (*Client, string) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	return b.client, b.sessionID
}

func (b *Batch) progress() BatchProgress {
	return BatchProgress{
		BatchID:          b.ID,
		PeerDeviceID:     b.PeerDeviceID,
		FilesTotal:       len(b.tasks),
		FilesFinished:    int(b.filesFinished.Load()),
		BytesTransferred: b.bytesDone.Load(),
		TotalBytes:       b.totalBytes,
	}
}

func (b *Batch) finish() {
	b.report = BatchReport{
		BatchID:      b.ID,
		PeerDeviceID: b.PeerDeviceID,
		Results: lo.Map(b.tasks, func(task *sendTask, _ int) TaskResult {
			snapshot, err := task.result()
			return TaskResult{Task: snapshot, Err: err}
		}),
	}
	b.cancel()
	close(b.done)
}

func (t *sendTask) snapshot() models.TransferTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task
}

func (t *sendTask) result() (models.TransferTask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task, t.err
}

func (t *sendTask) setState(state models.TaskState) {
	t.mu.Lock()
	t.task.State = state
	t.mu.Unlock()
}

func (t *sendTask) setOffset(offset int64) {
	t.mu.Lock()
	t.task.Offset = offset
	t.mu.Unlock()
}

// end records a terminal state. The first terminal state wins.
func (t *sendTask) end(state models.TaskState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.task.State.Terminal() {
		return false
	}
	t.task.State = state
	t.err = err
	if err != nil {
		t.task.Reason = err.Error()
	}
	return true
}
