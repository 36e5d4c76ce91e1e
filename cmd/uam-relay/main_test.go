package main

import (
	"bytes"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YouAM-Network/uam-relay/pkg/server"
)

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"uam-relay", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), server.Version)
	assert.Empty(t, errOut.String())
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	code := Run([]string{"uam-relay", "help"}, &out, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "keygen")
	assert.Contains(t, out.String(), "serve")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"uam-relay", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command: bogus")
	assert.Contains(t, errOut.String(), "Usage:")
}

func TestRunKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay_key.bin")

	var out, errOut bytes.Buffer
	code := Run([]string{"uam-relay", "keygen", path}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())
	assert.Contains(t, out.String(), "public key: ")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, int64(ed25519.SeedSize), info.Size())

	// A second run loads the same key instead of rotating it.
	var again bytes.Buffer
	code = Run([]string{"uam-relay", "keygen", path}, &again, &errOut)
	require.Equal(t, 0, code)
	assert.Equal(t, out.String(), again.String())
}
