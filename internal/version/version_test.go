package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullVersionShortensCommit(t *testing.T) {
	defer func(c string) { GitCommit = c }(GitCommit)

	GitCommit = "unknown"
	assert.Equal(t, Version, GetFullVersion())
	assert.NotContains(t, GetVersionInfo("sdr-source"), "commit")

	GitCommit = "0123456789abcdef"
	assert.Equal(t, Version+"-0123456", GetFullVersion())
	assert.Contains(t, GetVersionInfo("sdr-source"), "sdr-source version "+Version+" (commit 0123456)")
}
