package logging

import (
	"os"
	"path/filepath"
	"testing"

	"imigrate/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{}, config.AppConfig{Name: "imigrate"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestNew_Level(t *testing.T) {
	logger, _, err := New(config.LoggingConfig{Level: " DEBUG "}, config.AppConfig{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	_, _, err = New(config.LoggingConfig{Level: "loud"}, config.AppConfig{})
	assert.Error(t, err)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, closer, err := New(
		config.LoggingConfig{Output: "file", FilePath: path},
		config.AppConfig{Name: "imigrate", Environment: "test"},
	)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info().Msg("started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"app":"imigrate"`)
	assert.Contains(t, string(data), `"message":"started"`)
}

func TestNew_OutputValidation(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: "file"}, config.AppConfig{})
	assert.Error(t, err, "file output requires a path")

	_, _, err = New(config.LoggingConfig{Output: "syslog"}, config.AppConfig{})
	assert.Error(t, err, "unknown output is rejected")
}
