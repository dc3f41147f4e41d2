package network

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"lanshare/config"
	"lanshare/eventbus"
	"lanshare/models"
	"lanshare/storage"
)

const testChunkSize = 1024 * 1024

func testSettings() config.TransferSettings {
	settings := config.DefaultTransferSettings()
	settings.ChunkSize = testChunkSize
	settings.MaxChunkRetries = 3
	settings.ConnectTimeoutMillis = 1000
	settings.ChunkTimeoutMillis = 5000
	settings.RefreshSettleMillis = 20
	settings.ProgressIntervalMs = 10
	settings.CheckpointEvery = 1
	settings.ApprovalTimeoutMillis = 2000
	return settings
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "lanshare.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

type testReceiver struct {
	receiver *Receiver
	server   *httptest.Server
	store    *storage.Store
	saveDir  string
}

type receiverConfig struct {
	deviceID    string
	policy      *config.Policy
	settings    *config.TransferSettings
	idle        time.Duration
	noFileStore bool
}

func newTestReceiver(t *testing.T, cfg receiverConfig) *testReceiver {
	t.Helper()

	if cfg.deviceID == "" {
		cfg.deviceID = "receiver-1"
	}
	saveDir := filepath.Join(t.TempDir(), "received")
	policy := config.Policy{AutoAccept: true, DefaultSaveDir: saveDir}
	if cfg.policy != nil {
		policy = *cfg.policy
		if policy.DefaultSaveDir == "" {
			policy.DefaultSaveDir = saveDir
		}
	}
	settings := testSettings()
	if cfg.settings != nil {
		settings = *cfg.settings
	}

	store := openTestStore(t)
	options := ReceiverOptions{
		Identity:           models.DeviceInfo{DeviceID: cfg.deviceID, DeviceName: "Receiver"},
		Policy:             policy,
		Settings:           settings,
		Resume:             store,
		Files:              store,
		Events:             eventbus.New[Event](256),
		Logger:             testLogger(),
		SessionIdleTimeout: cfg.idle,
	}
	if cfg.noFileStore {
		options.Files = nil
	}

	receiver, err := NewReceiver(options)
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	server := httptest.NewServer(receiver.Handler())
	t.Cleanup(func() {
		server.Close()
		receiver.Close()
	})

	return &testReceiver{
		receiver: receiver,
		server:   server,
		store:    store,
		saveDir:  policy.DefaultSaveDir,
	}
}

func (r *testReceiver) device(t *testing.T) models.DiscoveredDevice {
	t.Helper()
	return deviceAt(t, r.receiver.Info().DeviceID, strings.TrimPrefix(r.server.URL, "http://"))
}

func (r *testReceiver) client() *Client {
	return NewClient(r.server.URL, r.server.Client())
}

func deviceAt(t *testing.T, deviceID, address string) models.DiscoveredDevice {
	t.Helper()

	host, rawPort, err := net.SplitHostPort(address)
	if err != nil {
		t.Fatalf("split %q failed: %v", address, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		t.Fatalf("parse port %q failed: %v", rawPort, err)
	}
	return models.DiscoveredDevice{
		DeviceInfo: models.DeviceInfo{
			DeviceID:   deviceID,
			DeviceName: deviceID,
			Port:       port,
		},
		Host:     host,
		Liveness: models.LivenessOnline,
	}
}

// closedAddress returns a loopback address nothing listens on.
func closedAddress(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()
	return address
}

type fakeResolver struct {
	mu           sync.Mutex
	device       models.DiscoveredDevice
	online       bool
	afterRefresh *models.DiscoveredDevice
	refreshes    int
}

func newFakeResolver(device models.DiscoveredDevice) *fakeResolver {
	return &fakeResolver{device: device, online: true}
}

func (r *fakeResolver) Lookup(deviceID string) (models.DiscoveredDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online || r.device.DeviceID != deviceID {
		return models.DiscoveredDevice{}, false
	}
	return r.device, true
}

func (r *fakeResolver) Refresh(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	if r.afterRefresh != nil {
		r.device = *r.afterRefresh
		r.online = true
	}
}

func (r *fakeResolver) refreshCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshes
}

// uploadInterceptor may replace the response to one upload request. It
// returns handled=false to let the request through.
type uploadInterceptor func(req *http.Request, taskID string, seq int, attempt int) (resp *http.Response, handled bool, err error)

// recordingTransport records upload sequence numbers and lets tests inject
// faults on the chunk path.
type recordingTransport struct {
	base      http.RoundTripper
	intercept uploadInterceptor

	mu       sync.Mutex
	uploads  []int
	attempts map[string]int
}

func newRecordingTransport(intercept uploadInterceptor) *recordingTransport {
	return &recordingTransport{
		base:      http.DefaultTransport,
		intercept: intercept,
		attempts:  make(map[string]int),
	}
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path != PathUpload {
		return t.base.RoundTrip(req)
	}

	query := req.URL.Query()
	taskID := query.Get(paramTask)
	seq, _ := strconv.Atoi(query.Get(paramSeq))

	t.mu.Lock()
	t.uploads = append(t.uploads, seq)
	key := taskID + "/" + strconv.Itoa(seq)
	t.attempts[key]++
	attempt := t.attempts[key]
	t.mu.Unlock()

	if t.intercept != nil {
		if resp, handled, err := t.intercept(req, taskID, seq, attempt); handled {
			return resp, err
		}
	}
	return t.base.RoundTrip(req)
}

func (t *recordingTransport) uploadedSeqs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.uploads...)
}

func (t *recordingTransport) client() *http.Client {
	return &http.Client{Transport: t}
}

// corruptBody flips one byte of the request body, leaving the checksum query
// untouched.
func corruptBody(t *testing.T, req *http.Request) {
	t.Helper()

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read upload body failed: %v", err)
	}
	_ = req.Body.Close()
	if len(data) > 0 {
		data[0] ^= 0xFF
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
}

var errLinkDown = errors.New("link down")

func newTestSender(t *testing.T, resolver AddressResolver, httpClient *http.Client, settings *config.TransferSettings) (*Sender, *storage.Store) {
	t.Helper()

	store := openTestStore(t)
	s := testSettings()
	if settings != nil {
		s = *settings
	}
	sender, err := NewSender(SenderOptions{
		Identity:   models.DeviceInfo{DeviceID: "sender-1", DeviceName: "Sender"},
		Settings:   s,
		Resolver:   resolver,
		Resume:     store,
		Events:     eventbus.New[Event](1024),
		Logger:     testLogger(),
		HTTPClient: httpClient,
	})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	return sender, store
}

func createFixtureFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()

	seed := 0
	for _, c := range name {
		seed += int(c)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*31 + seed) % 251)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
	return path, data
}

func waitBatch(t *testing.T, batch *Batch, timeout time.Duration) BatchReport {
	t.Helper()

	select {
	case <-batch.Done():
		return batch.Wait()
	case <-time.After(timeout):
		t.Fatalf("batch %s did not finish within %s", batch.ID, timeout)
		return BatchReport{}
	}
}

func waitForEvent(t *testing.T, events <-chan Event, eventType EventType, timeout time.Duration) Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", eventType)
			}
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return Event{}
		}
	}
}

func requireFileContent(t *testing.T, path string, want []byte) {
	t.Helper()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %q failed: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("content mismatch for %q: got %d bytes, want %d", path, len(got), len(want))
	}
}
