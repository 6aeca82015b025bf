package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"index", "resume", "status", "validate", "logs", "init", "setup", "delete"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "missing subcommand %s", name)
	}
}

func TestRootVersionTemplate(t *testing.T) {
	root := NewRootCmd()
	require.NotEmpty(t, root.Version)
	assert.Contains(t, root.VersionTemplate(), "ziri version")
}
