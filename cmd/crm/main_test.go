package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicrm/internal/config"
)

func TestWriteConfigYAMLLoadsBack(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Workers = 9

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg, false))
	assert.Contains(t, buf.String(), "backend: sql")

	back, err := config.FromYAML(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 9, back.Queue.Workers)
	assert.Equal(t, cfg.Queue.Backend, back.Queue.Backend)
}

func TestWriteConfigJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, config.Default(), true))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "Queue")
}
