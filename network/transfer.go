package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"lanshare/config"
	appcrypto "lanshare/crypto"
	"lanshare/eventbus"
	"lanshare/models"
	"lanshare/storage"
)

const chunkRetryDelay = 200 * time.Millisecond

var taskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("lanshare:transfer-task"))

// AddressResolver resolves device ids to reachable peers. It is satisfied by
// discovery.Service.
type AddressResolver interface {
	Lookup(deviceID string) (models.DiscoveredDevice, bool)
	Refresh(deviceID string)
}

// SenderOptions configures the outbound side of transfers.
type SenderOptions struct {
	Identity models.DeviceInfo
	Settings config.TransferSettings
	Resolver AddressResolver
	Resume   ResumeStore
	Events   *eventbus.Bus[Event]
	Logger   logrus.FieldLogger

	// HTTPClient overrides the default client, whose dials are bounded by
	// Settings.ConnectTimeout.
	HTTPClient *http.Client
}

// Sender orchestrates batches of outbound files.
type Sender struct {
	opts      SenderOptions
	log       logrus.FieldLogger
	events    *eventbus.Bus[Event]
	http      *http.Client
	admission *semaphore.Weighted
}

// NewSender creates a sender. The admission gate is shared by every batch.
func NewSender(options SenderOptions) (*Sender, error) {
	if strings.TrimSpace(options.Identity.DeviceID) == "" {
		return nil, errors.New("sender identity device ID is required")
	}
	if options.Resolver == nil {
		return nil, errors.New("sender address resolver is required")
	}
	if options.Settings == (config.TransferSettings{}) {
		options.Settings = config.DefaultTransferSettings()
	}
	if options.Events == nil {
		options.Events = eventbus.New[Event](eventbus.DefaultBuffer)
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	options.Identity.ProtocolVersion = ProtocolVersion

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(options.Settings.ConnectTimeout())
	}

	return &Sender{
		opts:      options,
		log:       options.Logger.WithField("component", "sender"),
		events:    options.Events,
		http:      httpClient,
		admission: semaphore.NewWeighted(int64(options.Settings.MaxConcurrentFiles)),
	}, nil
}

// Subscribe returns sender events and a cancel func.
func (s *Sender) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// SendBatch hashes the files, then connects and transfers them in the
// background. Invalid paths fail synchronously before anything is sent.
func (s *Sender) SendBatch(ctx context.Context, deviceID string, paths []string) (*Batch, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("peer device ID is required")
	}
	if len(paths) == 0 {
		return nil, errors.New("at least one file is required")
	}

	tasks, err := s.prepareTasks(deviceID, paths)
	if err != nil {
		return nil, err
	}

	batch := newBatch(ctx, uuid.NewString(), deviceID, tasks)
	s.log.WithFields(logrus.Fields{
		"batch_id":       batch.ID,
		"peer_device_id": deviceID,
		"files":          len(tasks),
		"bytes":          batch.totalBytes,
	}).Info("starting batch")

	batch.discard = func() { s.discardBatch(batch) }
	go s.runBatch(batch)
	return batch, nil
}

func (s *Sender) prepareTasks(deviceID string, paths []string) ([]*sendTask, error) {
	chunkSize := s.opts.Settings.ChunkSize
	tasks := make([]*sendTask, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%q is not a regular file", path)
		}

		sum, err := appcrypto.FileSHA256(path)
		if err != nil {
			return nil, fmt.Errorf("hash %q: %w", path, err)
		}
		fileType := "application/octet-stream"
		if detected, err := mimetype.DetectFile(path); err == nil {
			fileType = detected.String()
		}

		taskID := uuid.NewSHA1(taskNamespace, []byte(s.opts.Identity.DeviceID+"|"+deviceID+"|"+sum)).String()
		tasks = append(tasks, &sendTask{
			meta: models.FileMeta{
				FileID:   taskID,
				Name:     filepath.Base(path),
				Size:     info.Size(),
				FileType: fileType,
				SHA256:   sum,
			},
			task: models.TransferTask{
				TaskID:       taskID,
				PeerDeviceID: deviceID,
				Direction:    models.DirectionSend,
				Path:         path,
				Name:         filepath.Base(path),
				TotalSize:    info.Size(),
				ChunkSize:    chunkSize,
				TotalChunks:  chunkCount(info.Size(), chunkSize),
				State:        models.TaskPending,
			},
		})
	}

	return lo.UniqBy(tasks, func(task *sendTask) string {
		return task.task.TaskID
	}), nil
}

func (s *Sender) runBatch(batch *Batch) {
	defer batch.finish()

	logger := s.log.WithFields(logrus.Fields{
		"batch_id":       batch.ID,
		"peer_device_id": batch.PeerDeviceID,
	})

	for _, task := range batch.tasks {
		task.setState(models.TaskConnecting)
	}

	files := lo.Map(batch.tasks, func(task *sendTask, _ int) models.FileMeta {
		return task.meta
	})
	client, response, err := s.connect(batch.ctx, batch.PeerDeviceID, ConnectRequest{
		Device:          s.opts.Identity,
		ProtocolVersion: ProtocolVersion,
		Files:           files,
	})
	if err != nil {
		logger.WithError(err).Warn("connect failed")
		for _, task := range batch.tasks {
			state := models.TaskFailed
			if task.ctx.Err() != nil {
				state = models.TaskCancelled
			}
			s.endTask(batch, task, state, err)
		}
		return
	}
	batch.setSession(client, response.SessionID)
	logger.WithField("session_id", response.SessionID).Info("peer accepted batch")

	var wg sync.WaitGroup
	for _, task := range batch.tasks {
		wg.Add(1)
		go func(task *sendTask) {
			defer wg.Done()
			s.runTask(batch, task)
		}(task)
	}
	wg.Wait()

	if !lo.SomeBy(batch.tasks, func(task *sendTask) bool { return task.snapshot().State != models.TaskCompleted }) {
		s.releaseSession(batch)
	}
}

// connect offers the batch to the peer. A transport failure triggers one
// targeted discovery refresh and exactly one retry.
func (s *Sender) connect(ctx context.Context, deviceID string, req ConnectRequest) (*Client, ConnectResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if device, ok := s.opts.Resolver.Lookup(deviceID); ok {
			client, response, err := s.connectOnce(ctx, device, req)
			if err == nil {
				return client, response, nil
			}
			if ctx.Err() != nil {
				return nil, ConnectResponse{}, newTransferError(KindCancelled, "batch cancelled", ctx.Err())
			}
			if !isTransportFailure(err) {
				return nil, response, newTransferError(KindHandshake, "peer declined the batch", err)
			}
			lastErr = err
		} else {
			lastErr = fmt.Errorf("device %q is not online", deviceID)
		}

		if attempt > 0 {
			return nil, ConnectResponse{}, newTransferError(KindDiscovery, "peer unreachable after refresh",
				fmt.Errorf("%w: %v", ErrPeerUnreachable, lastErr))
		}

		s.log.WithError(lastErr).WithField("peer_device_id", deviceID).Info("connect failed, refreshing peer address")
		s.opts.Resolver.Refresh(deviceID)
		if err := sleepContext(ctx, s.opts.Settings.RefreshSettle()); err != nil {
			return nil, ConnectResponse{}, newTransferError(KindCancelled, "batch cancelled", err)
		}
	}
}

func (s *Sender) connectOnce(ctx context.Context, device models.DiscoveredDevice, req ConnectRequest) (*Client, ConnectResponse, error) {
	address := net.JoinHostPort(device.Host, strconv.Itoa(device.Port))
	client := NewClient(address, s.http)

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.Settings.ConnectTimeout()+s.opts.Settings.ApprovalTimeout())
	defer cancel()

	response, err := client.Connect(connectCtx, req)
	if err != nil {
		return nil, response, err
	}
	return client, response, nil
}

func (s *Sender) runTask(batch *Batch, task *sendTask) {
	ctx := task.ctx
	meta := task.meta
	logger := s.log.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"task_id":  meta.FileID,
		"file":     meta.Name,
	})

	if err := s.admission.Acquire(ctx, 1); err != nil {
		s.stopTask(batch, task, err)
		return
	}
	defer s.admission.Release(1)

	task.setState(models.TaskTransferring)
	client, sessionID := batch.session()
	chunkSize := s.opts.Settings.ChunkSize

	prepareReq := PrepareUploadRequest{
		SessionID: sessionID,
		TaskID:    meta.FileID,
		File:      meta,
		ChunkSize: chunkSize,
	}
	if info := s.loadResume(meta.FileID); info != nil &&
		appcrypto.EqualHex(info.FileHash, meta.SHA256) &&
		info.TotalSize == meta.Size &&
		info.ChunkSize == chunkSize {
		prepareReq.ResumeToken = info.FileHash
	}

	var prepared PrepareUploadResponse
	err := s.withRetries(ctx, func(callCtx context.Context) error {
		var err error
		prepared, err = client.PrepareUpload(callCtx, prepareReq)
		return err
	})
	if err != nil {
		s.stopTask(batch, task, err)
		return
	}

	if prepared.Duplicate {
		logger.Info("peer already has this file")
		batch.bytesDone.Add(meta.Size)
		task.setOffset(meta.Size)
		s.deleteResume(meta.FileID)
		s.completeTask(batch, task, newProgressThrottle(s.opts.Settings.ProgressInterval(), meta.Size))
		return
	}

	offset := prepared.Offset
	if offset < 0 || offset > meta.Size || (offset != meta.Size && offset%int64(chunkSize) != 0) {
		s.endTask(batch, task, models.TaskFailed, newTransferError(KindHandshake, "receiver returned an invalid offset", fmt.Errorf("offset %d", offset)))
		return
	}
	if offset > 0 {
		logger.WithField("offset", offset).Info("resuming upload")
	}

	file, err := os.Open(task.snapshot().Path)
	if err != nil {
		s.endTask(batch, task, models.TaskFailed, newTransferError(KindResource, "open source file", err))
		return
	}
	defer file.Close()

	prefix := sha256.New()
	if _, err := io.Copy(prefix, io.NewSectionReader(file, 0, offset)); err != nil {
		s.endTask(batch, task, models.TaskFailed, newTransferError(KindResource, "read source file", err))
		return
	}

	task.setOffset(offset)
	batch.bytesDone.Add(offset)
	throttle := newProgressThrottle(s.opts.Settings.ProgressInterval(), offset)

	buffer := make([]byte, chunkSize)
	seq := int(offset / int64(chunkSize))
	sinceCheckpoint := 0
	lastChecksum := ""

	for offset < meta.Size {
		n := int64(chunkSize)
		if remaining := meta.Size - offset; remaining < n {
			n = remaining
		}
		data := buffer[:n]
		if _, err := file.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
			s.endTask(batch, task, models.TaskFailed, newTransferError(KindResource, "read source file", err))
			return
		}
		checksum := appcrypto.ChunkChecksum(data)

		if err := s.sendChunk(ctx, client, sessionID, meta.FileID, seq, checksum, data); err != nil {
			kind := ErrorKindOf(err)
			resumable := kind != KindResource && kind != KindIntegrity
			if resumable {
				s.saveResume(task, offset, prefix, lastChecksum)
			}
			if resumable && ctx.Err() == nil {
				task.setState(models.TaskPaused)
				s.cancelRemote(batch, meta.FileID, false)
				s.endTask(batch, task, models.TaskFailed, err)
				return
			}
			s.stopTask(batch, task, err)
			return
		}

		offset += n
		seq++
		lastChecksum = checksum
		_, _ = prefix.Write(data)
		task.setOffset(offset)
		batch.bytesDone.Add(n)

		sinceCheckpoint++
		if sinceCheckpoint >= s.opts.Settings.CheckpointEvery {
			s.saveResume(task, offset, prefix, lastChecksum)
			sinceCheckpoint = 0
		}
		s.publishProgress(batch, task, throttle, false)
	}

	finishCtx, cancel := context.WithTimeout(ctx, s.opts.Settings.ChunkTimeout())
	_, err = client.Finish(finishCtx, FinishRequest{SessionID: sessionID, TaskID: meta.FileID, SHA256: meta.SHA256})
	cancel()
	if err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			s.deleteResume(meta.FileID)
			s.endTask(batch, task, models.TaskFailed, newTransferError(KindIntegrity, "receiver rejected the final checksum", err))
			return
		}
		s.saveResume(task, offset, prefix, lastChecksum)
		s.stopTask(batch, task, err)
		return
	}

	s.deleteResume(meta.FileID)
	s.completeTask(batch, task, throttle)
	logger.Info("file sent")
}

// sendChunk uploads one chunk, retrying transport failures and checksum
// rejections up to MaxChunkRetries attempts.
func (s *Sender) sendChunk(ctx context.Context, client *Client, sessionID, taskID string, seq int, checksum string, data []byte) error {
	err := s.withRetries(ctx, func(callCtx context.Context) error {
		_, err := client.UploadChunk(callCtx, sessionID, taskID, seq, checksum, data)
		var remote *RemoteError
		if errors.As(err, &remote) && remote.Code == CodeOutOfOrder && remote.ExpectedSeq != nil && *remote.ExpectedSeq == seq+1 {
			// The previous attempt landed but its ack was lost.
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("chunk %d: %w", seq, err)
	}
	return nil
}

// withRetries runs call with a per-attempt ChunkTimeout. Transport failures
// and checksum mismatches are retried; other receiver errors are returned
// at once as typed transfer errors.
func (s *Sender) withRetries(ctx context.Context, call func(context.Context) error) error {
	attempts := s.opts.Settings.MaxChunkRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.Settings.ChunkTimeout())
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var remote *RemoteError
		if errors.As(err, &remote) && remote.Code != CodeChecksumMismatch {
			return classifyRemote(remote)
		}
		lastErr = err

		if attempt < attempts {
			s.log.WithError(err).WithField("attempt", attempt).Debug("retrying request")
			if err := sleepContext(ctx, chunkRetryDelay*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}

	return newTransferError(KindTransport, fmt.Sprintf("failed after %d attempts", attempts), lastErr)
}

func classifyRemote(remote *RemoteError) error {
	switch {
	case errors.Is(remote, ErrResource):
		return newTransferError(KindResource, "receiver storage error", remote)
	case errors.Is(remote, ErrChecksumMismatch):
		return newTransferError(KindIntegrity, "checksum mismatch", remote)
	case errors.Is(remote, ErrUnknownTask):
		return newTransferError(KindHandshake, "receiver dropped the session", remote)
	default:
		return newTransferError(KindTransport, "receiver error", remote)
	}
}

// stopTask ends a task after an error. Cancellation pauses the receiver
// side unless the batch is being torn down.
func (s *Sender) stopTask(batch *Batch, task *sendTask, err error) {
	if task.ctx.Err() == nil {
		if ErrorKindOf(err) == "" {
			err = newTransferError(KindTransport, "transfer failed", err)
		}
		s.endTask(batch, task, models.TaskFailed, err)
		return
	}

	if !batch.teardown.Load() {
		s.cancelRemote(batch, task.meta.FileID, false)
	}
	s.endTask(batch, task, models.TaskCancelled, newTransferError(KindCancelled, "transfer cancelled", context.Canceled))
}

func (s *Sender) completeTask(batch *Batch, task *sendTask, throttle *progressThrottle) {
	batch.filesFinished.Add(1)
	s.publishProgress(batch, task, throttle, true)
	if task.end(models.TaskCompleted, nil) {
		snapshot := task.snapshot()
		event := newEvent(EventTransferCompleted)
		event.Task = &snapshot
		s.events.Publish(event)
	}
}

func (s *Sender) endTask(batch *Batch, task *sendTask, state models.TaskState, err error) {
	if !task.end(state, err) {
		return
	}
	if state != models.TaskCompleted {
		batch.filesFinished.Add(1)
	}
	snapshot := task.snapshot()
	s.log.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"task_id":  snapshot.TaskID,
		"state":    snapshot.State,
	}).WithError(err).Info("task ended")

	event := newEvent(EventTransferFailed)
	event.Task = &snapshot
	event.Err = err
	s.events.Publish(event)
}

func (s *Sender) publishProgress(batch *Batch, task *sendTask, throttle *progressThrottle, final bool) {
	snapshot := task.snapshot()
	ok, rate := throttle.allow(snapshot.Offset, final)
	if !ok {
		return
	}

	event := newEvent(EventTransferProgress)
	event.Progress = &Progress{
		TaskID:           snapshot.TaskID,
		BatchID:          batch.ID,
		PeerDeviceID:     batch.PeerDeviceID,
		Direction:        models.DirectionSend,
		FileName:         snapshot.Name,
		BytesTransferred: snapshot.Offset,
		TotalBytes:       snapshot.TotalSize,
		BytesPerSecond:   rate,
		Final:            final,
	}
	s.events.Publish(event)

	aggregate := batch.progress()
	batchEvent := newEvent(EventBatchProgress)
	batchEvent.Batch = &aggregate
	s.events.Publish(batchEvent)
}

func (s *Sender) cancelRemote(batch *Batch, taskID string, discard bool) {
	client, sessionID := batch.session()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Settings.ConnectTimeout())
	defer cancel()
	if err := client.Cancel(ctx, CancelRequest{SessionID: sessionID, TaskID: taskID, Discard: discard}); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Debug("cancel on receiver failed")
	}
}

// discardBatch clears the checkpoints of every unfinished task on both
// sides and releases the receiver session.
func (s *Sender) discardBatch(batch *Batch) {
	for _, task := range batch.tasks {
		if task.snapshot().State == models.TaskCompleted {
			continue
		}
		s.deleteResume(task.meta.FileID)
		s.cancelRemote(batch, task.meta.FileID, true)
	}
	s.releaseSession(batch)
}

func (s *Sender) releaseSession(batch *Batch) {
	client, sessionID := batch.session()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Settings.ConnectTimeout())
	defer cancel()
	if err := client.Cancel(ctx, CancelRequest{SessionID: sessionID}); err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Debug("release session failed")
	}
}

func (s *Sender) loadResume(taskID string) *models.ResumeInfo {
	if s.opts.Resume == nil {
		return nil
	}
	info, err := s.opts.Resume.LoadResume(taskID, models.DirectionSend)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).WithField("task_id", taskID).Warn("load resume info failed")
		}
		return nil
	}
	return info
}

func (s *Sender) saveResume(task *sendTask, offset int64, prefix hash.Hash, lastChecksum string) {
	if s.opts.Resume == nil {
		return
	}
	snapshot := task.snapshot()
	err := s.opts.Resume.SaveResume(models.ResumeInfo{
		TaskID:            snapshot.TaskID,
		Direction:         models.DirectionSend,
		PeerDeviceID:      snapshot.PeerDeviceID,
		FileHash:          task.meta.SHA256,
		FilePath:          snapshot.Path,
		TotalSize:         snapshot.TotalSize,
		ChunkSize:         snapshot.ChunkSize,
		BytesConfirmed:    offset,
		PrefixHash:        hex.EncodeToString(prefix.Sum(nil)),
		LastChunkChecksum: lastChecksum,
	})
	if err != nil {
		s.log.WithError(err).WithField("task_id", snapshot.TaskID).Warn("save resume info failed")
	}
}

func (s *Sender) deleteResume(taskID string) {
	if s.opts.Resume == nil {
		return
	}
	if err := s.opts.Resume.DeleteResume(taskID, models.DirectionSend); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Warn("delete resume info failed")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
