package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"lanshare/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 2
	// APIPrefix is the path prefix of every receiver endpoint.
	APIPrefix = "/api/lanshare/v2/"
	// MaxControlBodySize bounds JSON request bodies (1 MB).
	MaxControlBodySize = 1 << 20
)

const (
	PathInfo          = APIPrefix + "info"
	PathConnect       = APIPrefix + "connect"
	PathPrepareUpload = APIPrefix + "prepare-upload"
	PathUpload        = APIPrefix + "upload"
	PathFinish        = APIPrefix + "finish"
	PathCancel        = APIPrefix + "cancel"
)

// Connect decisions.
const (
	DecisionAccepted            = "accepted"
	DecisionRejected            = "rejected"
	DecisionBusy                = "busy"
	DecisionIncompatibleVersion = "incompatible_version"
)

// Error codes carried by ErrorMessage.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUnknownSession      = "unknown_session"
	CodeUnknownTask         = "unknown_task"
	CodeOutOfOrder          = "out_of_order"
	CodeChecksumMismatch    = "checksum_mismatch"
	CodeResource            = "resource"
	CodeRejected            = "rejected"
	CodeBusy                = "busy"
	CodeIncompatibleVersion = "incompatible_version"
	CodeInternal            = "internal"
)

// Upload query parameters.
const (
	paramSession  = "session"
	paramTask     = "task"
	paramSeq      = "seq"
	paramChecksum = "checksum"
)

// SupportedVersions lists the protocol versions this build can speak.
var SupportedVersions = []int{ProtocolVersion}

var validate = validator.New()

// ConnectRequest asks a receiver to accept a batch of files.
type ConnectRequest struct {
	Device          models.DeviceInfo `json:"device"`
	ProtocolVersion int               `json:"protocol_version"`
	Files           []models.FileMeta `json:"files" validate:"required,min=1,dive"`
}

// ConnectResponse is the receiver decision for a ConnectRequest.
type ConnectResponse struct {
	Decision          string            `json:"decision"`
	SessionID         string            `json:"session_id,omitempty"`
	Device            models.DeviceInfo `json:"device"`
	SupportedVersions []int             `json:"supported_versions,omitempty"`
	Message           string            `json:"message,omitempty"`
}

// PrepareUploadRequest opens or resumes one file inside a session.
type PrepareUploadRequest struct {
	SessionID   string          `json:"session_id" validate:"required"`
	TaskID      string          `json:"task_id" validate:"required,uuid"`
	File        models.FileMeta `json:"file"`
	ChunkSize   int             `json:"chunk_size" validate:"gt=0"`
	ResumeToken string          `json:"resume_token,omitempty"`
}

// PrepareUploadResponse tells the sender where to start.
type PrepareUploadResponse struct {
	TaskID    string `json:"task_id"`
	Offset    int64  `json:"offset"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ChunkAck confirms one stored chunk and the new offset.
type ChunkAck struct {
	TaskID string `json:"task_id"`
	Seq    int    `json:"seq"`
	Offset int64  `json:"offset"`
}

// FinishRequest asks the receiver to verify and finalize a file.
type FinishRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	TaskID    string `json:"task_id" validate:"required,uuid"`
	SHA256    string `json:"sha256" validate:"required,len=64,hexadecimal"`
}

// FinishResponse reports the finalized file.
type FinishResponse struct {
	TaskID   string `json:"task_id"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
}

// CancelRequest pauses or discards tasks of a session. An empty TaskID
// applies to the whole session.
type CancelRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	TaskID    string `json:"task_id,omitempty" validate:"omitempty,uuid"`
	Discard   bool   `json:"discard,omitempty"`
}

// ErrorMessage is the body of every non-2xx response except connect.
type ErrorMessage struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ExpectedSeq *int   `json:"expected_seq,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorMessage{Code: code, Message: message})
}

// decodeJSON reads a bounded JSON body and validates struct tags.
func decodeJSON(r io.Reader, target any) error {
	if err := decodeBody(r, target); err != nil {
		return err
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}

func decodeBody(r io.Reader, target any) error {
	decoder := json.NewDecoder(io.LimitReader(r, MaxControlBodySize))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
