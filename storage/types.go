package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// FileStatusComplete marks a verified, finalized received file.
	FileStatusComplete = "complete"
	// FileStatusFailed marks a received file whose final checksum did not match.
	FileStatusFailed = "failed"
)

// FileRecord is the SQLite representation of one received file.
type FileRecord struct {
	FileID            string
	FromDeviceID      string
	Filename          string
	Filesize          int64
	Filetype          string
	StoredPath        string
	Checksum          string
	TimestampReceived *int64
	TransferStatus    string
}

type scanner interface {
	Scan(dest ...any) error
}

func validateFileStatus(status string) error {
	switch status {
	case FileStatusComplete, FileStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid file status %q", status)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
