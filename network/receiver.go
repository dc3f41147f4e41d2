package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanshare/config"
	appcrypto "lanshare/crypto"
	"lanshare/eventbus"
	"lanshare/models"
	"lanshare/storage"
)

const (
	// DefaultSessionIdleTimeout closes sessions that stop sending.
	DefaultSessionIdleTimeout = 2 * time.Minute
	// MaxChunkSize bounds the chunk size a sender may negotiate.
	MaxChunkSize = 64 * 1024 * 1024

	partialSuffix = ".part"
)

// ResumeStore persists resume checkpoints for both transfer directions.
type ResumeStore interface {
	SaveResume(info models.ResumeInfo) error
	LoadResume(taskID string, direction models.TransferDirection) (*models.ResumeInfo, error)
	DeleteResume(taskID string, direction models.TransferDirection) error
}

// FileIndex is the local index of received files, keyed by content hash.
type FileIndex interface {
	RecordFile(file storage.FileRecord) error
	LookupFileByHash(checksum string) (string, bool, error)
}

// ReceiverOptions configures the inbound side of transfers.
type ReceiverOptions struct {
	Identity models.DeviceInfo
	Policy   config.Policy
	Settings config.TransferSettings

	Resume ResumeStore
	Files  FileIndex
	Events *eventbus.Bus[Event]
	Logger logrus.FieldLogger

	SessionIdleTimeout time.Duration
}

// Receiver validates and stores incoming files. It is transport agnostic;
// Server exposes it over HTTP.
type Receiver struct {
	opts      ReceiverOptions
	log       logrus.FieldLogger
	events    *eventbus.Bus[Event]
	approvals *approvalQueue

	policyMu sync.RWMutex
	policy   config.Policy

	finalizeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	tasks    map[string]*inboundTask
	closed   bool
}

type session struct {
	id         string
	peer       models.DeviceInfo
	files      map[string]models.FileMeta
	lastActive time.Time
}

type inboundTask struct {
	mu sync.Mutex

	id           string
	sessionID    string
	peerDeviceID string
	meta         models.FileMeta
	chunkSize    int
	partPath     string

	file              *os.File
	offset            int64
	prefix            hash.Hash
	lastChunkChecksum string
	sinceCheckpoint   int
	progress          *progressThrottle
	closed            bool
}

// protocolError is a receiver failure with its HTTP status and wire code.
type protocolError struct {
	status      int
	code        string
	message     string
	expectedSeq *int
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func newProtocolError(status int, code, format string, args ...any) *protocolError {
	return &protocolError{status: status, code: code, message: fmt.Sprintf(format, args...)}
}

func outOfOrderError(expected int, format string, args ...any) *protocolError {
	err := newProtocolError(http.StatusConflict, CodeOutOfOrder, format, args...)
	err.expectedSeq = &expected
	return err
}

// resourceError maps disk-full and permission failures onto the resource code.
func resourceError(op string, err error) *protocolError {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return newProtocolError(http.StatusInsufficientStorage, CodeResource, "%s: disk full", op)
	case errors.Is(err, fs.ErrPermission):
		return newProtocolError(http.StatusForbidden, CodeResource, "%s: permission denied", op)
	default:
		return newProtocolError(http.StatusInternalServerError, CodeInternal, "%s: %v", op, err)
	}
}

// NewReceiver creates a receiver with validated configuration.
func NewReceiver(options ReceiverOptions) (*Receiver, error) {
	if strings.TrimSpace(options.Identity.DeviceID) == "" {
		return nil, errors.New("receiver identity device ID is required")
	}
	if options.Settings == (config.TransferSettings{}) {
		options.Settings = config.DefaultTransferSettings()
	}
	if options.SessionIdleTimeout <= 0 {
		options.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if options.Events == nil {
		options.Events = eventbus.New[Event](eventbus.DefaultBuffer)
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	options.Identity.ProtocolVersion = ProtocolVersion

	return &Receiver{
		opts:      options,
		log:       options.Logger.WithField("component", "receiver"),
		events:    options.Events,
		approvals: newApprovalQueue(),
		policy:    options.Policy,
		sessions:  make(map[string]*session),
		tasks:     make(map[string]*inboundTask),
	}, nil
}

// Info returns the local device metadata served by the info endpoint.
func (r *Receiver) Info() models.DeviceInfo {
	return r.opts.Identity
}

// Subscribe returns receiver events and a cancel func.
func (r *Receiver) Subscribe() (<-chan Event, func()) {
	return r.events.Subscribe()
}

// SetPolicy replaces the trust and save-directory policy.
func (r *Receiver) SetPolicy(policy config.Policy) {
	r.policyMu.Lock()
	r.policy = policy
	r.policyMu.Unlock()
}

func (r *Receiver) currentPolicy() config.Policy {
	r.policyMu.RLock()
	defer r.policyMu.RUnlock()
	return r.policy
}

// PendingRequests lists connection requests waiting for a decision.
func (r *Receiver) PendingRequests() []ConnectionRequest {
	return r.approvals.list()
}

// ResolveRequest accepts or rejects a pending connection request.
func (r *Receiver) ResolveRequest(requestID string, accept bool) error {
	return r.approvals.resolve(requestID, accept)
}

// Connect decides a connection request. The returned status is the HTTP
// status matching the decision. ctx bounds the wait for a user decision.
func (r *Receiver) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, int) {
	response := ConnectResponse{Device: r.Info()}
	logger := r.log.WithFields(logrus.Fields{
		"peer_device_id": req.Device.DeviceID,
		"files":          len(req.Files),
	})

	if req.ProtocolVersion != ProtocolVersion {
		logger.WithField("protocol_version", req.ProtocolVersion).Warn("rejecting connect: incompatible protocol version")
		response.Decision = DecisionIncompatibleVersion
		response.SupportedVersions = append([]int(nil), SupportedVersions...)
		response.Message = fmt.Sprintf("protocol version %d is not supported", req.ProtocolVersion)
		return response, http.StatusUpgradeRequired
	}
	if r.busy() {
		logger.Info("rejecting connect: no free session slot")
		response.Decision = DecisionBusy
		return response, http.StatusServiceUnavailable
	}

	accept := r.currentPolicy().ShouldAutoAccept(req.Device.DeviceID, req.Device.Fingerprint)
	if !accept {
		pending := r.approvals.enqueue(req.Device, req.Files)
		event := newEvent(EventConnectionRequest)
		request := pending.request
		event.Request = &request
		r.events.Publish(event)

		accept = r.approvals.wait(ctx, pending, r.opts.Settings.ApprovalTimeout())
	}
	if !accept {
		logger.Info("connect rejected")
		response.Decision = DecisionRejected
		return response, http.StatusForbidden
	}

	sessionID, ok := r.openSession(req)
	if !ok {
		response.Decision = DecisionBusy
		return response, http.StatusServiceUnavailable
	}

	logger.WithField("session_id", sessionID).Info("connect accepted")
	response.Decision = DecisionAccepted
	response.SessionID = sessionID
	return response, http.StatusOK
}

func (r *Receiver) busy() bool {
	r.mu.Lock()
	closed, active := r.closed, len(r.sessions)
	r.mu.Unlock()
	return closed || active+r.approvals.len() >= r.opts.Settings.MaxSessions
}

func (r *Receiver) openSession(req ConnectRequest) (string, bool) {
	files := make(map[string]models.FileMeta, len(req.Files))
	for _, file := range req.Files {
		files[file.FileID] = file
	}
	s := &session{
		id:         uuid.NewString(),
		peer:       req.Device,
		files:      files,
		lastActive: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.sessions) >= r.opts.Settings.MaxSessions {
		return "", false
	}
	r.sessions[s.id] = s
	return s.id, true
}

func (r *Receiver) touchSession(sessionID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, newProtocolError(http.StatusNotFound, CodeUnknownSession, "unknown session %q", sessionID)
	}
	s.lastActive = time.Now()
	return s, nil
}

func (r *Receiver) lookupTask(sessionID, taskID string) (*inboundTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok || task.sessionID != sessionID {
		return nil, newProtocolError(http.StatusNotFound, CodeUnknownTask, "unknown task %q", taskID)
	}
	return task, nil
}

func (r *Receiver) detachTask(task *inboundTask) {
	r.mu.Lock()
	if current, ok := r.tasks[task.id]; ok && current == task {
		delete(r.tasks, task.id)
	}
	r.mu.Unlock()
}

// PrepareUpload opens or resumes a file and returns the offset the sender
// must continue from.
func (r *Receiver) PrepareUpload(req PrepareUploadRequest) (PrepareUploadResponse, error) {
	if err := validateTaskID(req.TaskID, req.File.FileID); err != nil {
		return PrepareUploadResponse{}, err
	}
	s, err := r.touchSession(req.SessionID)
	if err != nil {
		return PrepareUploadResponse{}, err
	}
	meta, ok := s.files[req.File.FileID]
	if !ok || meta.Size != req.File.Size || !appcrypto.EqualHex(meta.SHA256, req.File.SHA256) {
		return PrepareUploadResponse{}, newProtocolError(http.StatusBadRequest, CodeInvalidRequest, "file %q was not offered in this session", req.File.FileID)
	}
	if req.ChunkSize > MaxChunkSize {
		return PrepareUploadResponse{}, newProtocolError(http.StatusBadRequest, CodeInvalidRequest, "chunk size %d exceeds %d", req.ChunkSize, MaxChunkSize)
	}

	logger := r.log.WithFields(logrus.Fields{
		"task_id":        req.TaskID,
		"peer_device_id": s.peer.DeviceID,
		"file":           meta.Name,
	})

	if r.opts.Files != nil {
		existing, found, err := r.opts.Files.LookupFileByHash(meta.SHA256)
		if err != nil {
			logger.WithError(err).Warn("file index lookup failed")
		} else if found {
			logger.WithField("existing_path", existing).Info("file already received, skipping upload")
			return PrepareUploadResponse{TaskID: req.TaskID, Offset: meta.Size, Duplicate: true}, nil
		}
	}

	r.mu.Lock()
	previous := r.tasks[req.TaskID]
	if previous != nil && previous.sessionID != s.id {
		r.mu.Unlock()
		logger.WithField("active_session_id", previous.sessionID).Warn("task is active in another session")
		return PrepareUploadResponse{}, newProtocolError(http.StatusConflict, CodeBusy, "task %q is active in another session", req.TaskID)
	}
	delete(r.tasks, req.TaskID)
	r.mu.Unlock()
	if previous != nil {
		previous.mu.Lock()
		r.checkpointLocked(previous)
		previous.closeLocked()
		previous.mu.Unlock()
	}

	task, err := r.openTask(s, req, meta)
	if err != nil {
		return PrepareUploadResponse{}, err
	}

	r.mu.Lock()
	r.tasks[task.id] = task
	r.mu.Unlock()

	logger.WithField("offset", task.offset).Debug("upload prepared")
	return PrepareUploadResponse{TaskID: task.id, Offset: task.offset}, nil
}

func (r *Receiver) openTask(s *session, req PrepareUploadRequest, meta models.FileMeta) (*inboundTask, error) {
	dir := r.currentPolicy().SaveDirFor(config.CategoryForType(meta.FileType))
	if strings.TrimSpace(dir) == "" {
		return nil, newProtocolError(http.StatusInternalServerError, CodeInternal, "no save directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, resourceError("create save directory", err)
	}

	partPath, err := partialPath(dir, req.TaskID)
	if err != nil {
		return nil, err
	}
	task := &inboundTask{
		id:           req.TaskID,
		sessionID:    s.id,
		peerDeviceID: s.peer.DeviceID,
		meta:         meta,
		chunkSize:    req.ChunkSize,
		partPath:     partPath,
	}

	if req.ResumeToken != "" && r.tryResume(task, req) {
		task.progress = newProgressThrottle(r.opts.Settings.ProgressInterval(), task.offset)
		return task, nil
	}

	r.deleteResume(task.id)
	file, err := os.OpenFile(task.partPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, resourceError("create partial file", err)
	}
	task.file = file
	task.prefix = sha256.New()
	task.progress = newProgressThrottle(r.opts.Settings.ProgressInterval(), 0)
	return task, nil
}

// tryResume restores a task from its checkpoint. The checkpoint is trusted
// only if the partial file still hashes to the recorded prefix.
func (r *Receiver) tryResume(task *inboundTask, req PrepareUploadRequest) bool {
	if r.opts.Resume == nil {
		return false
	}
	logger := r.log.WithField("task_id", task.id)

	info, err := r.opts.Resume.LoadResume(task.id, models.DirectionReceive)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.WithError(err).Warn("load resume info failed")
		}
		return false
	}
	if !appcrypto.EqualHex(req.ResumeToken, req.File.SHA256) ||
		!appcrypto.EqualHex(info.FileHash, req.File.SHA256) ||
		info.TotalSize != req.File.Size ||
		info.ChunkSize != req.ChunkSize {
		logger.Info("resume info does not match the offered file, restarting")
		return false
	}

	if filepath.Clean(info.FilePath) != task.partPath {
		logger.WithField("path", info.FilePath).Info("resume info points outside the save directory, restarting")
		return false
	}

	prefix, err := appcrypto.PrefixSHA256(info.FilePath, info.BytesConfirmed)
	if err != nil || !appcrypto.EqualHex(prefix, info.PrefixHash) {
		logger.WithError(err).Info("partial file failed prefix verification, restarting")
		return false
	}

	offset := info.BytesConfirmed
	if offset < info.TotalSize {
		offset -= offset % int64(info.ChunkSize)
	}

	file, err := os.OpenFile(info.FilePath, os.O_RDWR, 0o600)
	if err != nil {
		logger.WithError(err).Warn("open partial file failed, restarting")
		return false
	}
	if err := file.Truncate(offset); err != nil {
		_ = file.Close()
		logger.WithError(err).Warn("truncate partial file failed, restarting")
		return false
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, io.NewSectionReader(file, 0, offset)); err != nil {
		_ = file.Close()
		logger.WithError(err).Warn("rehash partial file failed, restarting")
		return false
	}

	task.file = file
	task.partPath = info.FilePath
	task.offset = offset
	task.prefix = hasher
	task.lastChunkChecksum = info.LastChunkChecksum
	logger.WithField("offset", offset).Info("resuming upload")
	return true
}

// UploadChunk verifies and appends one chunk.
func (r *Receiver) UploadChunk(sessionID, taskID string, seq int, checksum string, body io.Reader) (ChunkAck, error) {
	if _, err := r.touchSession(sessionID); err != nil {
		return ChunkAck{}, err
	}
	task, err := r.lookupTask(sessionID, taskID)
	if err != nil {
		return ChunkAck{}, err
	}

	// The body is read without holding task.mu.
	data, err := io.ReadAll(io.LimitReader(body, int64(task.chunkSize)+1))
	if err != nil {
		return ChunkAck{}, newProtocolError(http.StatusBadRequest, CodeInvalidRequest, "read chunk body: %v", err)
	}

	task.mu.Lock()
	defer task.mu.Unlock()

	if task.closed {
		return ChunkAck{}, newProtocolError(http.StatusNotFound, CodeUnknownTask, "task %q is closed", taskID)
	}
	expected := task.expectedSeqLocked()
	if seq != expected {
		return ChunkAck{}, outOfOrderError(expected, "got chunk %d, expected %d", seq, expected)
	}

	want := task.meta.Size - task.offset
	if want > int64(task.chunkSize) {
		want = int64(task.chunkSize)
	}
	if want <= 0 {
		return ChunkAck{}, newProtocolError(http.StatusBadRequest, CodeInvalidRequest, "no bytes remaining for task %q", taskID)
	}
	if int64(len(data)) != want {
		return ChunkAck{}, newProtocolError(http.StatusBadRequest, CodeInvalidRequest, "chunk %d has %d bytes, expected %d", seq, len(data), want)
	}
	if !appcrypto.VerifyChunk(data, checksum) {
		return ChunkAck{}, newProtocolError(http.StatusUnprocessableEntity, CodeChecksumMismatch, "chunk %d checksum mismatch", seq)
	}

	if _, err := task.file.WriteAt(data, task.offset); err != nil {
		return ChunkAck{}, resourceError("write chunk", err)
	}
	task.offset += int64(len(data))
	_, _ = task.prefix.Write(data)
	task.lastChunkChecksum = checksum
	task.sinceCheckpoint++
	if task.sinceCheckpoint >= r.opts.Settings.CheckpointEvery {
		r.checkpointLocked(task)
	}
	r.publishProgressLocked(task, false)

	return ChunkAck{TaskID: task.id, Seq: seq, Offset: task.offset}, nil
}

// Finish verifies the whole-file hash and moves the file into place. On a
// mismatch the partial file is kept and the task is failed.
func (r *Receiver) Finish(req FinishRequest) (FinishResponse, error) {
	if _, err := r.touchSession(req.SessionID); err != nil {
		return FinishResponse{}, err
	}
	task, err := r.lookupTask(req.SessionID, req.TaskID)
	if err != nil {
		return FinishResponse{}, err
	}

	task.mu.Lock()
	defer task.mu.Unlock()

	if task.closed {
		return FinishResponse{}, newProtocolError(http.StatusNotFound, CodeUnknownTask, "task %q is closed", req.TaskID)
	}
	if task.offset != task.meta.Size {
		expected := task.expectedSeqLocked()
		return FinishResponse{}, outOfOrderError(expected, "file incomplete: %d of %d bytes", task.offset, task.meta.Size)
	}

	logger := r.log.WithFields(logrus.Fields{
		"task_id":        task.id,
		"peer_device_id": task.peerDeviceID,
		"file":           task.meta.Name,
	})

	if err := task.file.Sync(); err != nil {
		return FinishResponse{}, resourceError("sync partial file", err)
	}
	task.closeLocked()
	r.detachTask(task)

	actual, err := appcrypto.FileSHA256(task.partPath)
	if err != nil {
		return FinishResponse{}, newProtocolError(http.StatusInternalServerError, CodeInternal, "hash partial file: %v", err)
	}
	if !appcrypto.EqualHex(actual, task.meta.SHA256) || !appcrypto.EqualHex(req.SHA256, task.meta.SHA256) {
		logger.WithField("actual_sha256", actual).Warn("final checksum mismatch, keeping partial file")
		r.deleteResume(task.id)
		r.recordFile(task, task.partPath, storage.FileStatusFailed)
		r.publishTaskEvent(EventTransferFailed, task, models.TaskFailed, "", newTransferError(KindIntegrity, "final checksum mismatch", ErrChecksumMismatch))
		return FinishResponse{}, newProtocolError(http.StatusUnprocessableEntity, CodeChecksumMismatch, "file checksum mismatch")
	}

	r.finalizeMu.Lock()
	finalPath := uniquePath(filepath.Dir(task.partPath), task.meta.Name)
	err = os.Rename(task.partPath, finalPath)
	r.finalizeMu.Unlock()
	if err != nil {
		return FinishResponse{}, resourceError("finalize file", err)
	}

	r.deleteResume(task.id)
	r.recordFile(task, finalPath, storage.FileStatusComplete)
	r.publishProgressLocked(task, true)
	r.publishTaskEvent(EventTransferReceived, task, models.TaskCompleted, finalPath, nil)
	logger.WithField("path", finalPath).Info("file received")

	return FinishResponse{
		TaskID:   task.id,
		FileName: filepath.Base(finalPath),
		Size:     task.meta.Size,
	}, nil
}

// Cancel pauses or discards the tasks of a session. Paused tasks keep their
// checkpoint so a later prepare-upload can resume them.
func (r *Receiver) Cancel(req CancelRequest) error {
	r.mu.Lock()
	s, ok := r.sessions[req.SessionID]
	if !ok {
		r.mu.Unlock()
		return newProtocolError(http.StatusNotFound, CodeUnknownSession, "unknown session %q", req.SessionID)
	}
	var tasks []*inboundTask
	for _, task := range r.tasks {
		if task.sessionID == req.SessionID && (req.TaskID == "" || task.id == req.TaskID) {
			tasks = append(tasks, task)
			delete(r.tasks, task.id)
		}
	}
	if req.TaskID == "" {
		delete(r.sessions, req.SessionID)
	}
	r.mu.Unlock()

	if req.Discard && req.TaskID != "" && len(tasks) == 0 {
		r.discardStored(req.TaskID, s.peer.DeviceID)
	}

	for _, task := range tasks {
		task.mu.Lock()
		if req.Discard {
			task.closeLocked()
			r.deleteResume(task.id)
			if err := os.Remove(task.partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				r.log.WithError(err).WithField("task_id", task.id).Warn("remove partial file failed")
			}
			r.publishTaskEvent(EventTransferFailed, task, models.TaskCancelled, "", newTransferError(KindCancelled, "sender discarded the transfer", nil))
		} else {
			r.checkpointLocked(task)
			task.closeLocked()
			r.publishTaskEvent(EventTransferFailed, task, models.TaskPaused, "", newTransferError(KindCancelled, "sender paused the transfer", nil))
		}
		task.mu.Unlock()
	}

	r.log.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"task_id":    req.TaskID,
		"discard":    req.Discard,
		"tasks":      len(tasks),
	}).Info("transfer cancelled by sender")
	return nil
}

// discardStored removes the checkpoint and partial file of a task that is
// no longer active, such as one paused earlier in the session.
func (r *Receiver) discardStored(taskID, peerDeviceID string) {
	if r.opts.Resume == nil {
		return
	}
	info, err := r.opts.Resume.LoadResume(taskID, models.DirectionReceive)
	if err != nil || info.PeerDeviceID != peerDeviceID {
		return
	}
	if err := os.Remove(info.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.log.WithError(err).WithField("task_id", taskID).Warn("remove partial file failed")
	}
	r.deleteResume(taskID)
}

// SweepIdle closes sessions idle since before now minus the idle timeout and
// checkpoints their unfinished tasks. It returns how many sessions closed.
func (r *Receiver) SweepIdle(now time.Time) int {
	cutoff := now.Add(-r.opts.SessionIdleTimeout)

	r.mu.Lock()
	var tasks []*inboundTask
	swept := 0
	for id, s := range r.sessions {
		if !s.lastActive.Before(cutoff) {
			continue
		}
		delete(r.sessions, id)
		swept++
		for taskID, task := range r.tasks {
			if task.sessionID == id {
				tasks = append(tasks, task)
				delete(r.tasks, taskID)
			}
		}
	}
	r.mu.Unlock()

	for _, task := range tasks {
		task.mu.Lock()
		r.checkpointLocked(task)
		task.closeLocked()
		task.mu.Unlock()
	}
	if swept > 0 {
		r.log.WithField("sessions", swept).Info("closed idle sessions")
	}
	return swept
}

// Close checkpoints and closes every active task. Later connects are busy.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	tasks := make([]*inboundTask, 0, len(r.tasks))
	for id, task := range r.tasks {
		tasks = append(tasks, task)
		delete(r.tasks, id)
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, task := range tasks {
		task.mu.Lock()
		r.checkpointLocked(task)
		task.closeLocked()
		task.mu.Unlock()
	}
}

// checkpointLocked persists the task offset. Callers hold task.mu.
func (r *Receiver) checkpointLocked(task *inboundTask) {
	task.sinceCheckpoint = 0
	if r.opts.Resume == nil || task.file == nil {
		return
	}
	if err := task.file.Sync(); err != nil {
		r.log.WithError(err).WithField("task_id", task.id).Warn("sync partial file failed")
		return
	}

	info := models.ResumeInfo{
		TaskID:            task.id,
		Direction:         models.DirectionReceive,
		PeerDeviceID:      task.peerDeviceID,
		FileHash:          task.meta.SHA256,
		FilePath:          task.partPath,
		TotalSize:         task.meta.Size,
		ChunkSize:         task.chunkSize,
		BytesConfirmed:    task.offset,
		PrefixHash:        hex.EncodeToString(task.prefix.Sum(nil)),
		LastChunkChecksum: task.lastChunkChecksum,
	}
	if err := r.opts.Resume.SaveResume(info); err != nil {
		r.log.WithError(err).WithField("task_id", task.id).Warn("save resume info failed")
	}
}

func (r *Receiver) deleteResume(taskID string) {
	if r.opts.Resume == nil {
		return
	}
	if err := r.opts.Resume.DeleteResume(taskID, models.DirectionReceive); err != nil {
		r.log.WithError(err).WithField("task_id", taskID).Warn("delete resume info failed")
	}
}

func (r *Receiver) recordFile(task *inboundTask, storedPath, status string) {
	if r.opts.Files == nil {
		return
	}
	err := r.opts.Files.RecordFile(storage.FileRecord{
		FileID:         task.id,
		FromDeviceID:   task.peerDeviceID,
		Filename:       filepath.Base(storedPath),
		Filesize:       task.meta.Size,
		Filetype:       task.meta.FileType,
		StoredPath:     storedPath,
		Checksum:       task.meta.SHA256,
		TransferStatus: status,
	})
	if err != nil {
		r.log.WithError(err).WithField("task_id", task.id).Warn("record received file failed")
	}
}

func (r *Receiver) publishProgressLocked(task *inboundTask, final bool) {
	ok, rate := task.progress.allow(task.offset, final)
	if !ok {
		return
	}
	event := newEvent(EventTransferProgress)
	event.Progress = &Progress{
		TaskID:           task.id,
		PeerDeviceID:     task.peerDeviceID,
		Direction:        models.DirectionReceive,
		FileName:         task.meta.Name,
		BytesTransferred: task.offset,
		TotalBytes:       task.meta.Size,
		BytesPerSecond:   rate,
		Final:            final,
	}
	r.events.Publish(event)
}

func (r *Receiver) publishTaskEvent(eventType EventType, task *inboundTask, state models.TaskState, savedPath string, err error) {
	snapshot := task.snapshotLocked(state)
	if err != nil {
		snapshot.Reason = err.Error()
	}
	event := newEvent(eventType)
	event.Task = &snapshot
	event.SavedPath = savedPath
	event.Err = err
	r.events.Publish(event)
}

func (t *inboundTask) expectedSeqLocked() int {
	if t.offset >= t.meta.Size {
		return chunkCount(t.meta.Size, t.chunkSize)
	}
	return int(t.offset / int64(t.chunkSize))
}

func (t *inboundTask) closeLocked() {
	t.closed = true
	if t.file == nil {
		return
	}
	_ = t.file.Close()
	t.file = nil
}

func (t *inboundTask) snapshotLocked(state models.TaskState) models.TransferTask {
	return models.TransferTask{
		TaskID:       t.id,
		PeerDeviceID: t.peerDeviceID,
		Direction:    models.DirectionReceive,
		Path:         t.partPath,
		Name:         t.meta.Name,
		TotalSize:    t.meta.Size,
		ChunkSize:    t.chunkSize,
		TotalChunks:  chunkCount(t.meta.Size, t.chunkSize),
		Offset:       t.offset,
		State:        state,
	}
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

func sanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSpace(base)
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "file.bin"
	}
	return base
}

// validateTaskID requires the task id to be the uuid the sender assigned as
// the file id. Task ids name files on disk.
func validateTaskID(taskID, fileID string) error {
	if taskID != fileID {
		return newProtocolError(http.StatusBadRequest, CodeInvalidRequest, "task id %q does not match file id %q", taskID, fileID)
	}
	if err := uuid.Validate(taskID); err != nil {
		return newProtocolError(http.StatusBadRequest, CodeInvalidRequest, "task id %q is not a uuid", taskID)
	}
	return nil
}

// partialPath returns the hidden partial file for taskID, which must be a
// direct child of dir.
func partialPath(dir, taskID string) (string, error) {
	path := filepath.Join(dir, "."+taskID+partialSuffix)
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.Dir(rel) != "." {
		return "", newProtocolError(http.StatusBadRequest, CodeInvalidRequest, "task id %q escapes the save directory", taskID)
	}
	return path, nil
}

// uniquePath returns dir/name, or "name (n).ext" for the first free n.
func uniquePath(dir, name string) string {
	name = sanitizeFileName(name)
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, stem+" ("+strconv.Itoa(i)+")"+ext)
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}
