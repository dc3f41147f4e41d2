package models

import "time"

// TaskState is the lifecycle state of one file transfer.
type TaskState string

const (
	TaskPending      TaskState = "pending"
	TaskConnecting   TaskState = "connecting"
	TaskTransferring TaskState = "transferring"
	TaskPaused       TaskState = "paused"
	TaskCompleted    TaskState = "completed"
	TaskFailed       TaskState = "failed"
	TaskCancelled    TaskState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TransferDirection identifies which side of a transfer a record belongs to.
type TransferDirection string

const (
	DirectionSend    TransferDirection = "send"
	DirectionReceive TransferDirection = "receive"
)

// FileMeta describes one file offered in a connection request.
type FileMeta struct {
	FileID   string `json:"file_id" validate:"required,uuid"`
	Name     string `json:"name" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
	FileType string `json:"file_type,omitempty"`
	SHA256   string `json:"sha256" validate:"required,len=64,hexadecimal"`
}

// TransferTask is a point-in-time snapshot of one file in flight.
type TransferTask struct {
	TaskID       string
	PeerDeviceID string
	Direction    TransferDirection
	Path         string
	Name         string
	TotalSize    int64
	ChunkSize    int
	TotalChunks  int
	Offset       int64
	State        TaskState
	Reason       string
}

// ResumeInfo records how far a transfer got before it was interrupted.
type ResumeInfo struct {
	TaskID            string
	Direction         TransferDirection
	PeerDeviceID      string
	FileHash          string
	FilePath          string
	TotalSize         int64
	ChunkSize         int
	BytesConfirmed    int64
	PrefixHash        string
	LastChunkChecksum string
	UpdatedAt         time.Time
}

// NextSequence returns the first chunk sequence number not yet confirmed.
func (r ResumeInfo) NextSequence() int {
	if r.ChunkSize <= 0 {
		return 0
	}
	return int(r.BytesConfirmed / int64(r.ChunkSize))
}
