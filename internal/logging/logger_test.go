package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "wallet_id", "w1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "w1", line["wallet_id"])
}

func TestTextFormatAndInvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(newLogger(&buf, "loud", "TEXT"), "reconciler")

	logger.Debug("dropped")
	logger.Info("tick")

	assert.Contains(t, buf.String(), "msg=tick")
	assert.Contains(t, buf.String(), "component=reconciler")
	assert.NotContains(t, buf.String(), "dropped")
}
