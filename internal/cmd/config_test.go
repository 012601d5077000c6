package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFlagName(t *testing.T) {
	tests := map[string]string{
		"Addr":             "addr",
		"BusID":            "bus-id",
		"NakRetryInterval": "nak-retry-interval",
		"StateFile":        "state-file",
		"USBServer":        "usb-server",
	}
	for in, want := range tests {
		assert.Equal(t, want, flagName(in), in)
	}
}

func TestConfigInitYAML(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "sub", "server.yaml")
	require.NoError(t, (&ConfigInit{Command: "server", Format: "yaml", Output: dest}).Run())

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &got))

	assert.Equal(t, ":3241", got["usb.addr"])
	assert.Equal(t, "1ms", got["usb.nak-retry-interval"])
	assert.Equal(t, "30s", got["connection-timeout"])
	assert.Equal(t, 1, got["bus-id"])
	assert.Equal(t, "", got["serial"])
	assert.Equal(t, false, got["ephemeral"])
	assert.NotContains(t, got, "usb.connection-timeout", "kong:\"-\" fields are skipped")
}

func TestConfigInitJSONRefusesOverwrite(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "server.json")
	c := &ConfigInit{Command: "server", Format: "json", Output: dest}
	require.NoError(t, c.Run())

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, ":3241", got["usb.addr"])

	assert.Error(t, c.Run())
	c.Force = true
	assert.NoError(t, c.Run())
}

func TestConfigInitRejectsUnknownFormat(t *testing.T) {
	err := (&ConfigInit{Command: "server", Format: "ini", Output: filepath.Join(t.TempDir(), "x")}).Run()
	assert.Error(t, err)
}
