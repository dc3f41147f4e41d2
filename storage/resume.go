package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"lanshare/crypto"
	"lanshare/models"
)

// SaveResume upserts the resume record for one task and direction.
func (s *Store) SaveResume(info models.ResumeInfo) error {
	if info.TaskID == "" {
		return errors.New("task_id is required")
	}
	if err := validateDirection(info.Direction); err != nil {
		return err
	}
	if info.FileHash == "" {
		return errors.New("file_hash is required")
	}
	if info.FilePath == "" {
		return errors.New("file_path is required")
	}
	if info.ChunkSize <= 0 {
		return errors.New("chunk_size must be > 0")
	}
	if info.BytesConfirmed < 0 || info.BytesConfirmed > info.TotalSize {
		return fmt.Errorf("bytes_confirmed %d outside [0, %d]", info.BytesConfirmed, info.TotalSize)
	}
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO resume_info (
			task_id,
			direction,
			peer_device_id,
			file_hash,
			file_path,
			total_size,
			chunk_size,
			bytes_confirmed,
			prefix_hash,
			last_chunk_checksum,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, direction) DO UPDATE SET
			peer_device_id = excluded.peer_device_id,
			file_hash = excluded.file_hash,
			file_path = excluded.file_path,
			total_size = excluded.total_size,
			chunk_size = excluded.chunk_size,
			bytes_confirmed = excluded.bytes_confirmed,
			prefix_hash = excluded.prefix_hash,
			last_chunk_checksum = excluded.last_chunk_checksum,
			updated_at = excluded.updated_at`,
		info.TaskID,
		string(info.Direction),
		info.PeerDeviceID,
		info.FileHash,
		info.FilePath,
		info.TotalSize,
		info.ChunkSize,
		info.BytesConfirmed,
		info.PrefixHash,
		info.LastChunkChecksum,
		info.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save resume info %q/%q: %w", info.TaskID, info.Direction, err)
	}
	return nil
}

// LoadResume returns a candidate resume point. Callers must verify the
// on-disk prefix against PrefixHash before trusting BytesConfirmed.
func (s *Store) LoadResume(taskID string, direction models.TransferDirection) (*models.ResumeInfo, error) {
	if taskID == "" {
		return nil, errors.New("task_id is required")
	}
	if err := validateDirection(direction); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT
			task_id,
			direction,
			peer_device_id,
			file_hash,
			file_path,
			total_size,
			chunk_size,
			bytes_confirmed,
			prefix_hash,
			last_chunk_checksum,
			updated_at
		FROM resume_info
		WHERE task_id = ? AND direction = ?`,
		taskID,
		string(direction),
	)

	info, err := scanResumeInfo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load resume info %q/%q: %w", taskID, direction, err)
	}
	return info, nil
}

// DeleteResume removes the resume record for one task and direction.
func (s *Store) DeleteResume(taskID string, direction models.TransferDirection) error {
	if taskID == "" {
		return errors.New("task_id is required")
	}
	if err := validateDirection(direction); err != nil {
		return err
	}

	if _, err := s.db.Exec(
		`DELETE FROM resume_info WHERE task_id = ? AND direction = ?`,
		taskID,
		string(direction),
	); err != nil {
		return fmt.Errorf("delete resume info %q/%q: %w", taskID, direction, err)
	}
	return nil
}

// ListResume returns every persisted resume record, oldest first.
func (s *Store) ListResume() ([]models.ResumeInfo, error) {
	rows, err := s.db.Query(
		`SELECT
			task_id,
			direction,
			peer_device_id,
			file_hash,
			file_path,
			total_size,
			chunk_size,
			bytes_confirmed,
			prefix_hash,
			last_chunk_checksum,
			updated_at
		FROM resume_info
		ORDER BY updated_at, task_id, direction`,
	)
	if err != nil {
		return nil, fmt.Errorf("list resume info: %w", err)
	}
	defer rows.Close()

	out := make([]models.ResumeInfo, 0)
	for rows.Next() {
		info, scanErr := scanResumeInfo(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan resume info row: %w", scanErr)
		}
		out = append(out, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resume info rows: %w", err)
	}
	return out, nil
}

// PurgedResume is a resume record removed by PurgeStaleResume.
type PurgedResume struct {
	TaskID    string
	Direction models.TransferDirection
	Reason    string
}

// PurgeStaleResume deletes records older than retention, records whose file
// is missing or shorter than the confirmed offset, and records whose file
// prefix no longer hashes to the stored value. It returns the removed records.
func (s *Store) PurgeStaleResume(retention time.Duration, now time.Time) ([]PurgedResume, error) {
	entries, err := s.ListResume()
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-retention)
	var purged []PurgedResume
	for _, entry := range entries {
		reason := staleReason(entry, retention, cutoff)
		if reason == "" {
			continue
		}
		if err := s.DeleteResume(entry.TaskID, entry.Direction); err != nil {
			return purged, err
		}
		purged = append(purged, PurgedResume{TaskID: entry.TaskID, Direction: entry.Direction, Reason: reason})
	}
	return purged, nil
}

func staleReason(entry models.ResumeInfo, retention time.Duration, cutoff time.Time) string {
	if retention > 0 && entry.UpdatedAt.Before(cutoff) {
		return "expired"
	}

	info, err := os.Stat(entry.FilePath)
	if err != nil || info.IsDir() {
		return "file missing"
	}
	if info.Size() < entry.BytesConfirmed {
		return "file truncated"
	}
	if entry.PrefixHash != "" {
		prefix, err := crypto.PrefixSHA256(entry.FilePath, entry.BytesConfirmed)
		if err != nil || !crypto.EqualHex(prefix, entry.PrefixHash) {
			return "prefix mismatch"
		}
	}
	return ""
}

func scanResumeInfo(row scanner) (*models.ResumeInfo, error) {
	var (
		info      models.ResumeInfo
		direction string
		updatedAt int64
	)
	if err := row.Scan(
		&info.TaskID,
		&direction,
		&info.PeerDeviceID,
		&info.FileHash,
		&info.FilePath,
		&info.TotalSize,
		&info.ChunkSize,
		&info.BytesConfirmed,
		&info.PrefixHash,
		&info.LastChunkChecksum,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	info.Direction = models.TransferDirection(direction)
	info.UpdatedAt = time.UnixMilli(updatedAt)
	return &info, nil
}

func validateDirection(direction models.TransferDirection) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}
