package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNeverNil(t *testing.T) {
	assert.NotNil(t, Log())
	assert.NotNil(t, Named("test"))
}

func TestInit(t *testing.T) {
	require.NoError(t, InitDevelopment())
	assert.True(t, Log().Core().Enabled(-1), "development logs debug")

	require.NoError(t, InitProduction())
	assert.False(t, Log().Core().Enabled(-1), "production starts at info")

	assert.Error(t, Init("verbose"))
	Sync()
}
