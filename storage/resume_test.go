package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func prefixHash(data []byte, n int) string {
	sum := sha256.Sum256(data[:n])
	return hex.EncodeToString(sum[:])
}

func TestResumeSaveLoadDelete(t *testing.T) {
	store := newTestStore(t)
	path, data := writeFixture(t, t.TempDir(), "partial.bin", 4096)

	info := models.ResumeInfo{
		TaskID:            "task-1",
		Direction:         models.DirectionReceive,
		PeerDeviceID:      "peer-1",
		FileHash:          "file-hash",
		FilePath:          path,
		TotalSize:         8192,
		ChunkSize:         1024,
		BytesConfirmed:    2048,
		PrefixHash:        prefixHash(data, 2048),
		LastChunkChecksum: "last",
	}
	require.NoError(t, store.SaveResume(info))

	got, err := store.LoadResume("task-1", models.DirectionReceive)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), got.BytesConfirmed)
	assert.Equal(t, 2, got.NextSequence())
	assert.Equal(t, info.PrefixHash, got.PrefixHash)
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = store.LoadResume("task-1", models.DirectionSend)
	assert.ErrorIs(t, err, ErrNotFound)

	info.BytesConfirmed = 3072
	info.PrefixHash = prefixHash(data, 3072)
	require.NoError(t, store.SaveResume(info))
	got, err = store.LoadResume("task-1", models.DirectionReceive)
	require.NoError(t, err)
	assert.Equal(t, int64(3072), got.BytesConfirmed)

	require.NoError(t, store.DeleteResume("task-1", models.DirectionReceive))
	_, err = store.LoadResume("task-1", models.DirectionReceive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveResumeRejectsOffsetBeyondSize(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveResume(models.ResumeInfo{
		TaskID:         "task-2",
		Direction:      models.DirectionSend,
		FileHash:       "h",
		FilePath:       "/tmp/x",
		TotalSize:      10,
		ChunkSize:      4,
		BytesConfirmed: 11,
	})
	assert.Error(t, err)

	err = store.SaveResume(models.ResumeInfo{
		TaskID:    "task-2",
		Direction: "sideways",
		FileHash:  "h",
		FilePath:  "/tmp/x",
		ChunkSize: 4,
	})
	assert.Error(t, err)
}

func TestPurgeStaleResume(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	now := time.Now()

	goodPath, goodData := writeFixture(t, dir, "good.part", 4096)
	expiredPath, expiredData := writeFixture(t, dir, "expired.part", 4096)
	shortPath, _ := writeFixture(t, dir, "short.part", 512)
	changedPath, changedData := writeFixture(t, dir, "changed.part", 4096)
	missingPath, _ := writeFixture(t, dir, "missing.part", 4096)
	require.NoError(t, os.Remove(missingPath))

	save := func(taskID, path string, confirmed int, prefix string, updated time.Time) {
		require.NoError(t, store.SaveResume(models.ResumeInfo{
			TaskID:         taskID,
			Direction:      models.DirectionReceive,
			FileHash:       "hash-" + taskID,
			FilePath:       path,
			TotalSize:      8192,
			ChunkSize:      1024,
			BytesConfirmed: int64(confirmed),
			PrefixHash:     prefix,
			UpdatedAt:      updated,
		}))
	}

	save("good", goodPath, 2048, prefixHash(goodData, 2048), now)
	save("expired", expiredPath, 2048, prefixHash(expiredData, 2048), now.Add(-48*time.Hour))
	save("short", shortPath, 2048, "", now)
	save("missing", missingPath, 1024, "", now)
	save("changed", changedPath, 2048, prefixHash(changedData, 2048), now)

	changedData[10] ^= 0xff
	require.NoError(t, os.WriteFile(changedPath, changedData, 0o600))

	purged, err := store.PurgeStaleResume(24*time.Hour, now)
	require.NoError(t, err)
	reasons := make(map[string]string, len(purged))
	for _, entry := range purged {
		assert.Equal(t, models.DirectionReceive, entry.Direction)
		reasons[entry.TaskID] = entry.Reason
	}
	assert.Equal(t, map[string]string{
		"expired": "expired",
		"short":   "file truncated",
		"missing": "file missing",
		"changed": "prefix mismatch",
	}, reasons)

	remaining, err := store.ListResume()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "good", remaining[0].TaskID)
}
