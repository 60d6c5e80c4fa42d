package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBuildTime(t *testing.T) {
	assert.Equal(t, "unknown", formatBuildTime("unknown"))
	assert.Equal(t, "yesterday", formatBuildTime("yesterday"))
	assert.Equal(t, "Tue Mar 4 05:06:07 2025", formatBuildTime("2025-03-04T05:06:07Z"))
}

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.NotEmpty(t, info.GitCommit)
}
