package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyTrustAndAutoAccept(t *testing.T) {
	policy := Policy{TrustedDevices: []string{"device-a", "ABCD1234"}}

	assert.True(t, policy.IsTrusted("device-a", ""))
	assert.True(t, policy.IsTrusted("other", "abcd1234"))
	assert.False(t, policy.IsTrusted("device-b", "ffff"))
	assert.False(t, policy.ShouldAutoAccept("device-b", ""))

	policy.AutoAccept = true
	assert.True(t, policy.ShouldAutoAccept("device-b", ""))
}

func TestPolicySaveDirFallsBackToDefault(t *testing.T) {
	policy := Policy{
		DefaultSaveDir: "/data/received",
		SaveDirs:       map[string]string{CategoryImage: "/data/pictures"},
	}

	assert.Equal(t, "/data/pictures", policy.SaveDirFor(CategoryImage))
	assert.Equal(t, "/data/received", policy.SaveDirFor(CategoryVideo))
}

func TestCategoryForType(t *testing.T) {
	cases := map[string]string{
		"image/png":                 CategoryImage,
		"video/mp4":                 CategoryVideo,
		"audio/mpeg":                CategoryAudio,
		"text/plain; charset=utf-8": CategoryDocument,
		"application/pdf":           CategoryDocument,
		"application/zip":           CategoryOther,
		"":                          CategoryOther,
	}
	for mimeType, want := range cases {
		assert.Equal(t, want, CategoryForType(mimeType), mimeType)
	}
}
