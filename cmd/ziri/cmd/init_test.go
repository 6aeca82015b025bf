package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestInitWritesProjectConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()

	out, err := runCommand(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, ".ziri.yaml")

	data, err := os.ReadFile(filepath.Join(dir, ".ziri.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "chunking:")
}

func TestInitRefusesToOverwriteWithoutForce(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()

	_, err := runCommand(t, "init", dir)
	require.NoError(t, err)

	_, err = runCommand(t, "init", dir)
	assert.Error(t, err)

	_, err = runCommand(t, "init", dir, "--force")
	assert.NoError(t, err)
}

func TestStatusFailsForUnindexedRepository(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()

	_, err := runCommand(t, "status", dir, "--base-dir", t.TempDir())
	assert.Error(t, err)
}
