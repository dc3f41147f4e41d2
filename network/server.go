package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server exposes a Receiver over HTTP.
type Server struct {
	receiver *Receiver
	listener net.Listener
	http     *http.Server
	log      logrus.FieldLogger

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts the HTTP listener and the idle session sweeper. An empty
// address listens on an ephemeral port.
func Listen(address string, receiver *Receiver) (*Server, error) {
	if receiver == nil {
		return nil, errors.New("receiver is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		receiver: receiver,
		listener: listener,
		log:      receiver.log.WithField("component", "server"),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}
	// Connect blocks on user approval while writing, so only reads are bounded.
	server.http = &http.Server{
		Handler:           receiver.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       receiver.opts.Settings.ChunkTimeout(),
	}

	server.wg.Add(2)
	go server.serve()
	go server.sweepLoop()

	server.log.WithField("addr", listener.Addr().String()).Info("receiver listening")
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close shuts the listener down, checkpoints active tasks and waits for the
// background goroutines.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			closeErr = err
			_ = s.http.Close()
		}

		s.wg.Wait()
		s.receiver.Close()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.reportError(fmt.Errorf("serve http: %w", err))
	}
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	interval := s.receiver.opts.SessionIdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.receiver.SweepIdle(now)
		case <-s.closed:
			return
		}
	}
}

func (s *Server) reportError(err error) {
	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.errs <- err:
	default:
	}
}

// Handler returns the HTTP routes of the receiver.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathInfo, r.handleInfo)
	mux.HandleFunc("POST "+PathConnect, r.handleConnect)
	mux.HandleFunc("POST "+PathPrepareUpload, r.handlePrepareUpload)
	mux.HandleFunc("POST "+PathUpload, r.handleUpload)
	mux.HandleFunc("POST "+PathFinish, r.handleFinish)
	mux.HandleFunc("POST "+PathCancel, r.handleCancel)
	return mux
}

func (r *Receiver) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Info())
}

func (r *Receiver) handleConnect(w http.ResponseWriter, req *http.Request) {
	var payload ConnectRequest
	if err := decodeBody(req.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	// Incompatible peers get a decision, not a validation error.
	if payload.ProtocolVersion == ProtocolVersion {
		if err := validate.Struct(payload); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
	}

	response, status := r.Connect(req.Context(), payload)
	writeJSON(w, status, response)
}

func (r *Receiver) handlePrepareUpload(w http.ResponseWriter, req *http.Request) {
	var payload PrepareUploadRequest
	if err := decodeJSON(req.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	response, err := r.PrepareUpload(payload)
	if err != nil {
		r.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (r *Receiver) handleUpload(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	sessionID := query.Get(paramSession)
	taskID := query.Get(paramTask)
	checksum := query.Get(paramChecksum)
	seq, err := strconv.Atoi(query.Get(paramSeq))
	if err != nil || seq < 0 || sessionID == "" || taskID == "" || checksum == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "session, task, seq and checksum query parameters are required")
		return
	}

	body := http.MaxBytesReader(w, req.Body, MaxChunkSize+1)
	ack, err := r.UploadChunk(sessionID, taskID, seq, checksum, body)
	if err != nil {
		r.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (r *Receiver) handleFinish(w http.ResponseWriter, req *http.Request) {
	var payload FinishRequest
	if err := decodeJSON(req.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	response, err := r.Finish(payload)
	if err != nil {
		r.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (r *Receiver) handleCancel(w http.ResponseWriter, req *http.Request) {
	var payload CancelRequest
	if err := decodeJSON(req.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err := r.Cancel(payload); err != nil {
		r.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Receiver) respondError(w http.ResponseWriter, err error) {
	var protoErr *protocolError
	if !errors.As(err, &protoErr) {
		r.log.WithError(err).Error("unexpected receiver error")
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if protoErr.status >= http.StatusInternalServerError {
		r.log.WithField("code", protoErr.code).Warn(protoErr.message)
	}
	writeJSON(w, protoErr.status, ErrorMessage{
		Code:        protoErr.code,
		Message:     protoErr.message,
		ExpectedSeq: protoErr.expectedSeq,
	})
}
