package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uwcirg/fhirgate/internal/config"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", ""} {
		for _, format := range []string{"json", "text", ""} {
			logger, err := New(config.LoggingConfig{Level: level, Format: format})
			require.NoError(t, err, "level=%q format=%q", level, format)
			assert.NotNil(t, logger)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}
