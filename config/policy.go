package config

import (
	"strings"

	"github.com/samber/lo"
)

// Policy is the read-only view of trust and save settings consumed by the
// receiver when a connection request arrives.
type Policy struct {
	TrustedDevices []string
	AutoAccept     bool
	DefaultSaveDir string
	SaveDirs       map[string]string
}

// Policy extracts the receiver policy from the device config.
func (c *DeviceConfig) Policy() Policy {
	return Policy{
		TrustedDevices: append([]string(nil), c.TrustedDevices...),
		AutoAccept:     c.AutoAccept,
		DefaultSaveDir: c.DefaultSaveDir,
		SaveDirs:       lo.Assign(c.SaveDirs),
	}
}

// IsTrusted reports whether the device id or fingerprint is on the trusted list.
func (p Policy) IsTrusted(deviceID, fingerprint string) bool {
	return lo.ContainsBy(p.TrustedDevices, func(entry string) bool {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return false
		}
		return entry == deviceID || (fingerprint != "" && strings.EqualFold(entry, fingerprint))
	})
}

// ShouldAutoAccept reports whether a request can be accepted without asking.
func (p Policy) ShouldAutoAccept(deviceID, fingerprint string) bool {
	return p.AutoAccept || p.IsTrusted(deviceID, fingerprint)
}

// SaveDirFor returns the directory for a media category.
func (p Policy) SaveDirFor(category string) string {
	if dir := strings.TrimSpace(p.SaveDirs[category]); dir != "" {
		return dir
	}
	return p.DefaultSaveDir
}

// CategoryForType maps a MIME type to a media category.
func CategoryForType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mimeType, "text/"),
		mimeType == "application/pdf",
		strings.Contains(mimeType, "document"),
		strings.Contains(mimeType, "spreadsheet"),
		strings.Contains(mimeType, "presentation"),
		mimeType == "application/msword",
		mimeType == "application/rtf":
		return CategoryDocument
	default:
		return CategoryOther
	}
}
