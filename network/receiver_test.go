package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/config"
	appcrypto "lanshare/crypto"
	"lanshare/models"
	"lanshare/storage"
)

var testPeer = models.DeviceInfo{DeviceID: "sender-1", DeviceName: "Sender", Fingerprint: "abcd"}

func fileMetaFor(name string, data []byte) models.FileMeta {
	sum := sha256Hex(data)
	return models.FileMeta{
		FileID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String(),
		Name:     name,
		Size:     int64(len(data)),
		FileType: "application/octet-stream",
		SHA256:   sum,
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func connectSession(t *testing.T, client *Client, files ...models.FileMeta) string {
	t.Helper()

	resp, err := client.Connect(context.Background(), ConnectRequest{
		Device:          testPeer,
		ProtocolVersion: ProtocolVersion,
		Files:           files,
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, resp.Decision)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func uploadAll(t *testing.T, client *Client, sessionID, taskID string, data []byte, from int64) {
	t.Helper()

	seq := int(from / testChunkSize)
	for offset := from; offset < int64(len(data)); offset += testChunkSize {
		end := min(offset+testChunkSize, int64(len(data)))
		chunk := data[offset:end]
		ack, err := client.UploadChunk(context.Background(), sessionID, taskID, seq, appcrypto.ChunkChecksum(chunk), chunk)
		require.NoError(t, err)
		require.Equal(t, end, ack.Offset)
		seq++
	}
}

func TestReceiverInfo(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})

	info, err := receiver.client().Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "receiver-1", info.DeviceID)
	assert.Equal(t, ProtocolVersion, info.ProtocolVersion)
}

func TestConnectIncompatibleVersion(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})

	body, err := json.Marshal(ConnectRequest{Device: testPeer, ProtocolVersion: 1})
	require.NoError(t, err)
	resp, err := http.Post(receiver.server.URL+PathConnect, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	var decision ConnectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decision))
	assert.Equal(t, DecisionIncompatibleVersion, decision.Decision)
	assert.Equal(t, []int{ProtocolVersion}, decision.SupportedVersions)

	_, err = receiver.client().Connect(context.Background(), ConnectRequest{
		Device:          testPeer,
		ProtocolVersion: 3,
		Files:           []models.FileMeta{fileMetaFor("a.bin", []byte("a"))},
	})
	require.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestConnectValidatesRequest(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})

	_, err := receiver.client().Connect(context.Background(), ConnectRequest{
		Device:          testPeer,
		ProtocolVersion: ProtocolVersion,
	})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusBadRequest, remote.Status)
	assert.Equal(t, CodeInvalidRequest, remote.Code)
}

func TestConnectBusyWhenSessionsExhausted(t *testing.T) {
	settings := testSettings()
	settings.MaxSessions = 1
	receiver := newTestReceiver(t, receiverConfig{settings: &settings})
	client := receiver.client()
	meta := fileMetaFor("a.bin", []byte("payload"))

	connectSession(t, client, meta)

	resp, err := client.Connect(context.Background(), ConnectRequest{
		Device:          testPeer,
		ProtocolVersion: ProtocolVersion,
		Files:           []models.FileMeta{meta},
	})
	require.ErrorIs(t, err, ErrPeerBusy)
	assert.Equal(t, DecisionBusy, resp.Decision)
}

func TestConnectWaitsForUserDecision(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{policy: &config.Policy{}})
	events, cancel := receiver.receiver.Subscribe()
	defer cancel()

	meta := fileMetaFor("a.bin", []byte("payload"))
	result := make(chan error, 1)
	go func() {
		_, err := receiver.client().Connect(context.Background(), ConnectRequest{
			Device:          testPeer,
			ProtocolVersion: ProtocolVersion,
			Files:           []models.FileMeta{meta},
		})
		result <- err
	}()

	event := waitForEvent(t, events, EventConnectionRequest, 5*time.Second)
	require.Equal(t, testPeer.DeviceID, event.Request.Device.DeviceID)
	require.Equal(t, int64(7), event.Request.TotalSize())

	pending := receiver.receiver.PendingRequests()
	require.Len(t, pending, 1)
	require.NoError(t, receiver.receiver.ResolveRequest(pending[0].RequestID, true))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not return after approval")
	}
	assert.Empty(t, receiver.receiver.PendingRequests())
	assert.ErrorIs(t, receiver.receiver.ResolveRequest(pending[0].RequestID, true), ErrNoPendingRequest)
}

func TestConnectApprovalTimeoutRejects(t *testing.T) {
	settings := testSettings()
	settings.ApprovalTimeoutMillis = 50
	receiver := newTestReceiver(t, receiverConfig{policy: &config.Policy{}, settings: &settings})

	resp, err := receiver.client().Connect(context.Background(), ConnectRequest{
		Device:          testPeer,
		ProtocolVersion: ProtocolVersion,
		Files:           []models.FileMeta{fileMetaFor("a.bin", []byte("x"))},
	})
	require.ErrorIs(t, err, ErrPeerRejected)
	assert.Equal(t, DecisionRejected, resp.Decision)
}

func TestConnectTrustedDeviceSkipsApproval(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{policy: &config.Policy{TrustedDevices: []string{"ABCD"}}})

	connectSession(t, receiver.client(), fileMetaFor("a.bin", []byte("x")))
	assert.Empty(t, receiver.receiver.PendingRequests())
}

func TestUploadRejectsOutOfOrderAndBadChecksum(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	data := bytes.Repeat([]byte("z"), testChunkSize+100)
	meta := fileMetaFor("z.bin", data)
	sessionID := connectSession(t, client, meta)

	prepared, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	require.Zero(t, prepared.Offset)

	second := data[testChunkSize:]
	_, err = client.UploadChunk(context.Background(), sessionID, meta.FileID, 1, appcrypto.ChunkChecksum(second), second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusConflict, remote.Status)
	require.ErrorIs(t, err, ErrOutOfOrder)
	require.NotNil(t, remote.ExpectedSeq)
	require.Equal(t, 0, *remote.ExpectedSeq)

	first := data[:testChunkSize]
	_, err = client.UploadChunk(context.Background(), sessionID, meta.FileID, 0, appcrypto.ChunkChecksum([]byte("other")), first)
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusUnprocessableEntity, remote.Status)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	ack, err := client.UploadChunk(context.Background(), sessionID, meta.FileID, 0, appcrypto.ChunkChecksum(first), first)
	require.NoError(t, err)
	require.Equal(t, int64(testChunkSize), ack.Offset, "rejected chunk must not advance the offset")

	// A re-delivered chunk after its ack was lost reports the next sequence.
	_, err = client.UploadChunk(context.Background(), sessionID, meta.FileID, 0, appcrypto.ChunkChecksum(first), first)
	require.ErrorAs(t, err, &remote)
	require.Equal(t, 1, *remote.ExpectedSeq)

	_, err = client.UploadChunk(context.Background(), "nope", meta.FileID, 1, appcrypto.ChunkChecksum(second), second)
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusNotFound, remote.Status)
	require.Equal(t, CodeUnknownSession, remote.Code)

	_, err = client.UploadChunk(context.Background(), sessionID, uuid.NewString(), 0, appcrypto.ChunkChecksum(second), second)
	require.ErrorAs(t, err, &remote)
	require.Equal(t, CodeUnknownTask, remote.Code)
}

func TestPrepareUploadRejectsFileNotOffered(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	sessionID := connectSession(t, client, fileMetaFor("a.bin", []byte("a")))

	other := fileMetaFor("b.bin", []byte("b"))
	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: other.FileID, File: other, ChunkSize: testChunkSize,
	})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeInvalidRequest, remote.Code)
}

func TestPrepareUploadRejectsUnsafeTaskID(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	meta := fileMetaFor("authorized_keys", []byte("ssh-ed25519 AAAA"))
	sessionID := connectSession(t, client, meta)

	var remote *RemoteError
	for _, taskID := range []string{"/../x", "../../x", uuid.NewString()} {
		_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
			SessionID: sessionID, TaskID: taskID, File: meta, ChunkSize: testChunkSize,
		})
		require.ErrorAs(t, err, &remote, "task id %q", taskID)
		assert.Equal(t, CodeInvalidRequest, remote.Code, "task id %q", taskID)
	}

	// A file id that repeats the traversal is refused before it reaches the disk.
	unsafe := meta
	unsafe.FileID = "/../x"
	_, err := receiver.receiver.PrepareUpload(PrepareUploadRequest{
		SessionID: sessionID, TaskID: unsafe.FileID, File: unsafe, ChunkSize: testChunkSize,
	})
	var protoErr *protocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CodeInvalidRequest, protoErr.code)

	_, err = os.Stat(filepath.Join(filepath.Dir(receiver.saveDir), "x"+partialSuffix))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPartialPathStaysInSaveDirectory(t *testing.T) {
	dir := t.TempDir()
	id := uuid.NewString()

	path, err := partialPath(dir, id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "."+id+partialSuffix), path)

	for _, taskID := range []string{"/../x", "../x", "a/b", "/../../etc/passwd"} {
		_, err := partialPath(dir, taskID)
		assert.Error(t, err, "task id %q", taskID)
	}
}

func TestPrepareUploadKeepsTaskOfOtherSession(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	data := bytes.Repeat([]byte("k"), testChunkSize+10)
	meta := fileMetaFor("k.bin", data)
	first := connectSession(t, client, meta)
	second := connectSession(t, client, meta)

	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: first, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)

	_, err = client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: second, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusConflict, remote.Status)
	require.ErrorIs(t, err, ErrPeerBusy)

	chunk := data[:testChunkSize]
	ack, err := client.UploadChunk(context.Background(), first, meta.FileID, 0, appcrypto.ChunkChecksum(chunk), chunk)
	require.NoError(t, err)
	assert.Equal(t, int64(testChunkSize), ack.Offset)
}

func TestStalledChunkBodyDoesNotBlockCancel(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	data := bytes.Repeat([]byte("w"), testChunkSize)
	meta := fileMetaFor("w.bin", data)
	sessionID := connectSession(t, client, meta)

	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)

	body, writer := io.Pipe()
	uploaded := make(chan error, 1)
	go func() {
		_, err := receiver.receiver.UploadChunk(sessionID, meta.FileID, 0, appcrypto.ChunkChecksum(data), body)
		uploaded <- err
	}()

	cancelled := make(chan error, 1)
	go func() {
		cancelled <- receiver.receiver.Cancel(CancelRequest{SessionID: sessionID, TaskID: meta.FileID})
	}()
	select {
	case err := <-cancelled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel blocked behind a stalled chunk upload")
	}

	require.NoError(t, writer.Close())
	select {
	case err := <-uploaded:
		var protoErr *protocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, CodeUnknownTask, protoErr.code)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled upload never returned")
	}
}

func TestFinishChecksumMismatchKeepsPartialFile(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	events, cancel := receiver.receiver.Subscribe()
	defer cancel()

	data := []byte("the bytes that actually arrive")
	meta := fileMetaFor("doc.bin", []byte("the bytes the sender announced"))
	meta.Size = int64(len(data))
	sessionID := connectSession(t, client, meta)

	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	uploadAll(t, client, sessionID, meta.FileID, data, 0)

	_, err = client.Finish(context.Background(), FinishRequest{SessionID: sessionID, TaskID: meta.FileID, SHA256: meta.SHA256})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusUnprocessableEntity, remote.Status)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	partial := filepath.Join(receiver.saveDir, "."+meta.FileID+partialSuffix)
	requireFileContent(t, partial, data)
	_, err = os.Stat(filepath.Join(receiver.saveDir, "doc.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)

	record, err := receiver.store.GetFileByID(meta.FileID)
	require.NoError(t, err)
	assert.Equal(t, storage.FileStatusFailed, record.TransferStatus)

	event := waitForEvent(t, events, EventTransferFailed, 5*time.Second)
	require.Equal(t, models.TaskFailed, event.Task.State)
	require.ErrorIs(t, event.Err, ErrChecksumMismatch)

	_, found, err := receiver.store.LookupFileByHash(meta.SHA256)
	require.NoError(t, err)
	require.False(t, found, "failed files are never dedup targets")
}

func TestFinishBeforeAllBytesArrive(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	data := bytes.Repeat([]byte("q"), testChunkSize*2)
	meta := fileMetaFor("q.bin", data)
	sessionID := connectSession(t, client, meta)

	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	uploadAll(t, client, sessionID, meta.FileID, data[:testChunkSize], 0)

	_, err = client.Finish(context.Background(), FinishRequest{SessionID: sessionID, TaskID: meta.FileID, SHA256: meta.SHA256})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, CodeOutOfOrder, remote.Code)
	require.Equal(t, 1, *remote.ExpectedSeq)
}

func TestFinalNameDoesNotOverwriteExistingFile(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{noFileStore: true})
	client := receiver.client()
	require.NoError(t, os.MkdirAll(receiver.saveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(receiver.saveDir, "photo.jpg"), []byte("old"), 0o600))

	data := []byte("new photo bytes")
	meta := fileMetaFor("photo.jpg", data)
	sessionID := connectSession(t, client, meta)
	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	uploadAll(t, client, sessionID, meta.FileID, data, 0)

	finished, err := client.Finish(context.Background(), FinishRequest{SessionID: sessionID, TaskID: meta.FileID, SHA256: meta.SHA256})
	require.NoError(t, err)
	assert.Equal(t, "photo (1).jpg", finished.FileName)
	requireFileContent(t, filepath.Join(receiver.saveDir, "photo.jpg"), []byte("old"))
	requireFileContent(t, filepath.Join(receiver.saveDir, "photo (1).jpg"), data)
}

func TestReceiverUsesCategorySaveDirectory(t *testing.T) {
	imageDir := filepath.Join(t.TempDir(), "images")
	receiver := newTestReceiver(t, receiverConfig{policy: &config.Policy{
		AutoAccept: true,
		SaveDirs:   map[string]string{config.CategoryImage: imageDir},
	}})
	client := receiver.client()

	data := []byte("fake png")
	meta := fileMetaFor("pic.png", data)
	meta.FileType = "image/png"
	sessionID := connectSession(t, client, meta)
	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	uploadAll(t, client, sessionID, meta.FileID, data, 0)
	_, err = client.Finish(context.Background(), FinishRequest{SessionID: sessionID, TaskID: meta.FileID, SHA256: meta.SHA256})
	require.NoError(t, err)

	requireFileContent(t, filepath.Join(imageDir, "pic.png"), data)
}

func TestPrepareUploadResumeRequiresMatchingPrefix(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	data := bytes.Repeat([]byte("r"), testChunkSize*3)
	meta := fileMetaFor("r.bin", data)
	sessionID := connectSession(t, client, meta)

	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	uploadAll(t, client, sessionID, meta.FileID, data[:2*testChunkSize], 0)
	require.NoError(t, client.Cancel(context.Background(), CancelRequest{SessionID: sessionID, TaskID: meta.FileID}))

	info, err := receiver.store.LoadResume(meta.FileID, models.DirectionReceive)
	require.NoError(t, err)
	require.Equal(t, int64(2*testChunkSize), info.BytesConfirmed)

	resumed, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize, ResumeToken: meta.SHA256,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2*testChunkSize), resumed.Offset)

	without, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	require.Zero(t, without.Offset, "no resume token restarts from zero")

	// Rebuild a checkpoint, then tamper with the partial file on disk.
	uploadAll(t, client, sessionID, meta.FileID, data[:testChunkSize], 0)
	require.NoError(t, client.Cancel(context.Background(), CancelRequest{SessionID: sessionID, TaskID: meta.FileID}))
	info, err = receiver.store.LoadResume(meta.FileID, models.DirectionReceive)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(info.FilePath, bytes.Repeat([]byte("X"), testChunkSize), 0o600))

	tampered, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize, ResumeToken: meta.SHA256,
	})
	require.NoError(t, err)
	require.Zero(t, tampered.Offset)
}

func TestCancelDiscardRemovesPartialAndCheckpoint(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	client := receiver.client()
	data := bytes.Repeat([]byte("d"), testChunkSize*2)
	meta := fileMetaFor("d.bin", data)
	sessionID := connectSession(t, client, meta)

	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	uploadAll(t, client, sessionID, meta.FileID, data[:testChunkSize], 0)

	require.NoError(t, client.Cancel(context.Background(), CancelRequest{SessionID: sessionID, TaskID: meta.FileID, Discard: true}))

	_, err = receiver.store.LoadResume(meta.FileID, models.DirectionReceive)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(filepath.Join(receiver.saveDir, "."+meta.FileID+partialSuffix))
	require.ErrorIs(t, err, os.ErrNotExist)

	err = client.Cancel(context.Background(), CancelRequest{SessionID: "unknown"})
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestSweepIdleCheckpointsAndClosesSessions(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{idle: time.Minute})
	client := receiver.client()
	data := bytes.Repeat([]byte("s"), testChunkSize*2)
	meta := fileMetaFor("s.bin", data)
	sessionID := connectSession(t, client, meta)

	_, err := client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	uploadAll(t, client, sessionID, meta.FileID, data[:testChunkSize], 0)

	require.Zero(t, receiver.receiver.SweepIdle(time.Now()))
	require.Equal(t, 1, receiver.receiver.SweepIdle(time.Now().Add(2*time.Minute)))

	info, err := receiver.store.LoadResume(meta.FileID, models.DirectionReceive)
	require.NoError(t, err)
	require.Equal(t, int64(testChunkSize), info.BytesConfirmed)

	_, err = client.PrepareUpload(context.Background(), PrepareUploadRequest{
		SessionID: sessionID, TaskID: meta.FileID, File: meta, ChunkSize: testChunkSize,
	})
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestReceiverCloseRejectsNewSessions(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	receiver.receiver.Close()

	_, err := receiver.client().Connect(context.Background(), ConnectRequest{
		Device:          testPeer,
		ProtocolVersion: ProtocolVersion,
		Files:           []models.FileMeta{fileMetaFor("a.bin", []byte("a"))},
	})
	require.ErrorIs(t, err, ErrPeerBusy)
}

func TestBusyReadsCloseStateUnderLock(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			receiver.receiver.busy()
		}
	}()
	receiver.receiver.Close()
	<-done

	assert.True(t, receiver.receiver.busy())
}

func TestListenServesReceiver(t *testing.T) {
	receiver := newTestReceiver(t, receiverConfig{})
	server, err := Listen("127.0.0.1:0", receiver.receiver)
	require.NoError(t, err)
	defer server.Close()

	require.NotZero(t, server.Port())
	info, err := NewClient(server.Addr().String(), nil).Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "receiver-1", info.DeviceID)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
}
