package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info()

	assert.Equal(t, Version, info["version"])
	assert.Contains(t, info, "build_time")
	assert.Contains(t, info, "git_commit")
}

func TestVersionNotEmpty(t *testing.T) {
	assert.NotEmpty(t, Version)
}
