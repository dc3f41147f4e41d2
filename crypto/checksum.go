package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrShortFile indicates a file holds fewer bytes than a prefix hash needs.
var ErrShortFile = errors.New("crypto: file shorter than requested prefix")

// ChunkChecksum returns the hex BLAKE2b-256 digest used to guard one chunk.
func ChunkChecksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChunk reports whether data matches an expected chunk checksum.
func VerifyChunk(data []byte, expected string) bool {
	if expected == "" {
		return false
	}
	return strings.EqualFold(ChunkChecksum(data), expected)
}

// FileSHA256 hashes a complete file.
func FileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// PrefixSHA256 hashes the first n bytes of a file.
func PrefixSHA256(path string, n int64) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for prefix checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	copied, err := io.Copy(hasher, io.LimitReader(file, n))
	if err != nil {
		return "", fmt.Errorf("hash file prefix: %w", err)
	}
	if copied < n {
		return "", ErrShortFile
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// EqualHex compares two hex digests case-insensitively.
func EqualHex(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
