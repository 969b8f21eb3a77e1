package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCommand_Properties(t *testing.T) {
	assert.NotNil(t, rootCmd)
	assert.Equal(t, "miaubot", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"miaubot", "--help"}
	assert.NoError(t, rootCmd.Execute())

	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, expected := range []string{"start", "validate", "status", "logout", "version"} {
		assert.True(t, names[expected], "missing subcommand: %s", expected)
	}
}

func TestAllCommands_HaveUsage(t *testing.T) {
	for _, cmd := range rootCmd.Commands() {
		assert.NotEmpty(t, cmd.Use, "command %s should have usage", cmd.Name())
		assert.NotEmpty(t, cmd.Short, "command %s should have short description", cmd.Name())
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd   string
		flags []string
	}{
		{"start", []string{"config"}},
		{"validate", []string{"config", "show", "json"}},
		{"status", []string{"config", "json"}},
		{"logout", []string{"config"}},
		{"version", []string{"json"}},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{tt.cmd})
			if !assert.NoError(t, err) {
				return
			}
			for _, name := range tt.flags {
				assert.NotNil(t, cmd.Flags().Lookup(name), "%s should have %s flag", tt.cmd, name)
			}
		})
	}

	start, _, _ := rootCmd.Find([]string{"start"})
	flag := start.Flags().Lookup("config")
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, "config.yaml", flag.DefValue)
}
