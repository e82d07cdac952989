package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionStrings(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.NotEmpty(t, Revision)

	assert.Contains(t, Short(), Version)
	assert.Contains(t, Short(), Revision)
	assert.True(t, strings.HasPrefix(ShortWithApp(), "syftbackup "))

	detailed := Detailed()
	assert.Contains(t, detailed, Version)
	assert.Contains(t, detailed, "/")
	assert.Contains(t, detailed, BuildDate)
}

func TestSSHClientVersion(t *testing.T) {
	v := SSHClientVersion()
	assert.True(t, strings.HasPrefix(v, "SSH-2.0-syftbackup_"))
	assert.NotContains(t, v, " ")
}

func TestApplyBuildInfo(t *testing.T) {
	saved := [...]string{Version, Revision, BuildDate}
	defer func() { Version, Revision, BuildDate = saved[0], saved[1], saved[2] }()

	Version, Revision, BuildDate = devVersion, "HEAD", "unknown"
	applyBuildInfo("v1.2.3", map[string]string{
		"vcs.revision": "0123456789abcdef",
		"vcs.modified": "true",
		"vcs.time":     "2026-01-02T03:04:05Z",
	})
	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "0123456789ab-dirty", Revision)
	assert.Equal(t, "2026-01-02T03:04:05Z", BuildDate)

	// ldflags values win
	Version, Revision = "2.0.0", "cafe"
	applyBuildInfo("(devel)", map[string]string{"vcs.revision": "beef"})
	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "cafe", Revision)
}
