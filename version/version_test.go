package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	assert.Equal(t, "1a2b3c4", Info{CommitHash: "1a2b3c4d5e6f"}.Short())
	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
}

func TestString(t *testing.T) {
	i := Info{Version: "v0.3.0", CommitHash: "1a2b3c4", BuildTime: "2026-10-01"}
	assert.Equal(t, "ingestd v0.3.0 (commit 1a2b3c4, built 2026-10-01)", i.String())

	i.Modified = true
	assert.Contains(t, i.String(), "commit 1a2b3c4-dirty")
}

func TestUserAgent(t *testing.T) {
	old := Version
	Version = "v9.9.9"
	defer func() { Version = old }()

	ua := UserAgent()
	assert.True(t, strings.HasPrefix(ua, "ingestd/v9.9.9 ("), ua)
	assert.Contains(t, ua, Get().Platform)
}
