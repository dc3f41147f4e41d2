package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
)

// RecordFile inserts or replaces the index row for a received file.
func (s *Store) RecordFile(file FileRecord) error {
	if file.FileID == "" {
		return errors.New("file_id is required")
	}
	if file.Filename == "" {
		return errors.New("filename is required")
	}
	if file.StoredPath == "" {
		return errors.New("stored_path is required")
	}
	if file.Checksum == "" {
		return errors.New("checksum is required")
	}
	if file.TransferStatus == "" {
		file.TransferStatus = FileStatusComplete
	}
	if err := validateFileStatus(file.TransferStatus); err != nil {
		return err
	}
	if file.TimestampReceived == nil {
		now := nowUnixMilli()
		file.TimestampReceived = &now
	}

	_, err := s.db.Exec(
		`INSERT INTO files (
			file_id,
			from_device_id,
			filename,
			filesize,
			filetype,
			stored_path,
			checksum,
			timestamp_received,
			transfer_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			from_device_id = excluded.from_device_id,
			filename = excluded.filename,
			filesize = excluded.filesize,
			filetype = excluded.filetype,
			stored_path = excluded.stored_path,
			checksum = excluded.checksum,
			timestamp_received = excluded.timestamp_received,
			transfer_status = excluded.transfer_status`,
		file.FileID,
		nullString(file.FromDeviceID),
		file.Filename,
		file.Filesize,
		nullString(file.Filetype),
		file.StoredPath,
		file.Checksum,
		nullInt64(file.TimestampReceived),
		file.TransferStatus,
	)
	if err != nil {
		return fmt.Errorf("record file %q: %w", file.FileID, err)
	}
	return nil
}

// GetFileByID fetches one file row.
func (s *Store) GetFileByID(fileID string) (*FileRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			file_id,
			from_device_id,
			filename,
			filesize,
			filetype,
			stored_path,
			checksum,
			timestamp_received,
			transfer_status
		FROM files
		WHERE file_id = ?`,
		fileID,
	)

	file, err := scanFileRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file %q: %w", fileID, err)
	}
	return file, nil
}

// LookupFileByHash returns the newest complete file with the given checksum
// that still exists on disk with the recorded size.
func (s *Store) LookupFileByHash(checksum string) (string, bool, error) {
	if checksum == "" {
		return "", false, nil
	}

	rows, err := s.db.Query(
		`SELECT
			file_id,
			from_device_id,
			filename,
			filesize,
			filetype,
			stored_path,
			checksum,
			timestamp_received,
			transfer_status
		FROM files
		WHERE checksum = ? AND transfer_status = ?
		ORDER BY timestamp_received DESC, file_id`,
		checksum,
		FileStatusComplete,
	)
	if err != nil {
		return "", false, fmt.Errorf("lookup file by checksum: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		file, scanErr := scanFileRecord(rows)
		if scanErr != nil {
			return "", false, fmt.Errorf("scan file row: %w", scanErr)
		}
		info, statErr := os.Stat(file.StoredPath)
		if statErr != nil || info.IsDir() || info.Size() != file.Filesize {
			continue
		}
		return file.StoredPath, true, nil
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("iterate file rows: %w", err)
	}
	return "", false, nil
}

func scanFileRecord(row scanner) (*FileRecord, error) {
	var (
		file              FileRecord
		fromDeviceID      sql.NullString
		fileType          sql.NullString
		timestampReceived sql.NullInt64
	)

	if err := row.Scan(
		&file.FileID,
		&fromDeviceID,
		&file.Filename,
		&file.Filesize,
		&fileType,
		&file.StoredPath,
		&file.Checksum,
		&timestampReceived,
		&file.TransferStatus,
	); err != nil {
		return nil, err
	}

	file.FromDeviceID = fromDeviceID.String
	file.Filetype = fileType.String
	file.TimestampReceived = int64Ptr(timestampReceived)
	return &file, nil
}
