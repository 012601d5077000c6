package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vkey/internal/store"
)

type state struct {
	Mode   string `yaml:"mode"`
	Frames uint32 `yaml:"frames"`
}

func TestSaveLoad(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		sealed     bool
	}{
		{name: "plain", sealed: false},
		{name: "sealed", passphrase: "correct horse", sealed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "state.yaml")
			want := state{Mode: "invert", Frames: 42}
			require.NoError(t, store.Save(path, tt.passphrase, want))

			sealed, err := store.IsSealed(path)
			require.NoError(t, err)
			assert.Equal(t, tt.sealed, sealed)

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			if tt.sealed {
				assert.NotContains(t, string(raw), "invert")
			} else {
				assert.Contains(t, string(raw), "mode: invert")
			}

			var got state
			require.NoError(t, store.Load(path, tt.passphrase, &got))
			assert.Equal(t, want, got)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	sealedPath := filepath.Join(dir, "sealed.yaml")
	require.NoError(t, store.Save(sealedPath, "secret", state{Mode: "echo"}))

	garbled := filepath.Join(dir, "garbled.yaml")
	require.NoError(t, os.WriteFile(garbled, []byte("mode: [unterminated"), 0o600))

	truncated := filepath.Join(dir, "truncated.yaml")
	require.NoError(t, os.WriteFile(truncated, []byte(store.Magic+"short"), 0o600))

	tampered := filepath.Join(dir, "tampered.yaml")
	raw, err := os.ReadFile(sealedPath)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(tampered, raw, 0o600))

	tests := []struct {
		name       string
		path       string
		passphrase string
		wantErr    error
	}{
		{name: "missing", path: filepath.Join(dir, "nope.yaml"), wantErr: store.ErrNotExist},
		{name: "sealed without passphrase", path: sealedPath, wantErr: store.ErrSealed},
		{name: "wrong passphrase", path: sealedPath, passphrase: "guess", wantErr: store.ErrCorrupt},
		{name: "invalid yaml", path: garbled, wantErr: store.ErrCorrupt},
		{name: "truncated seal", path: truncated, passphrase: "secret", wantErr: store.ErrCorrupt},
		{name: "tampered ciphertext", path: tampered, passphrase: "secret", wantErr: store.ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got state
			err := store.Load(tt.path, tt.passphrase, &got)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSaveReplacesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	require.NoError(t, store.Save(path, "", state{Frames: 1}))
	require.NoError(t, store.Save(path, "", state{Frames: 2}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got state
	require.NoError(t, store.Load(path, "", &got))
	assert.Equal(t, uint32(2), got.Frames)
}
