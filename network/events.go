package network

import (
	"time"

	"lanshare/models"
)

// EventType identifies transfer events delivered to the host application.
type EventType string

const (
	EventConnectionRequest EventType = "connection_request"
	EventTransferProgress  EventType = "transfer_progress"
	EventBatchProgress     EventType = "batch_progress"
	EventTransferCompleted EventType = "transfer_completed"
	EventTransferFailed    EventType = "transfer_failed"
	EventTransferReceived  EventType = "transfer_received"
)

// Progress captures transfer progress for one file.
type Progress struct {
	TaskID           string
	BatchID          string
	PeerDeviceID     string
	Direction        models.TransferDirection
	FileName         string
	BytesTransferred int64
	TotalBytes       int64
	BytesPerSecond   float64
	Final            bool
}

// Percent returns progress in the range [0, 100].
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 100
	}
	return float64(p.BytesTransferred) * 100 / float64(p.TotalBytes)
}

// BatchProgress aggregates every file of one batch.
type BatchProgress struct {
	BatchID          string
	PeerDeviceID     string
	FilesTotal       int
	FilesFinished    int
	BytesTransferred int64
	TotalBytes       int64
}

// Percent returns aggregate progress in the range [0, 100].
func (p BatchProgress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 100
	}
	return float64(p.BytesTransferred) * 100 / float64(p.TotalBytes)
}

// Event is one notification for the host application. Exactly one of the
// pointer fields is set, matching Type.
type Event struct {
	Type EventType
	Time time.Time

	Request  *ConnectionRequest
	Progress *Progress
	Batch    *BatchProgress
	Task     *models.TransferTask

	// SavedPath is set on EventTransferReceived.
	SavedPath string
	Err       error
}

func newEvent(eventType EventType) Event {
	return Event{Type: eventType, Time: time.Now()}
}
