package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "migrate", "ingest", "ledger", "partners", "completeness"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "rakeback", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	for _, name := range []string{"no-schedule", "no-checker"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), "serve should have --%s flag", name)
	}
}

func TestGroupCommands_HaveSubcommands(t *testing.T) {
	tests := []struct {
		name     string
		children []string
	}{
		{"ingest", []string{"attributions", "conversions", "allocate", "retry"}},
		{"ledger", []string{"aggregate", "list", "pay", "dispute", "reopen", "export"}},
		{"partners", []string{"list", "show", "import", "log"}},
		{"completeness", []string{"show", "refresh", "issues"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{tt.name})
			require.NoError(t, err)
			names := make(map[string]bool)
			for _, c := range cmd.Commands() {
				names[c.Name()] = true
			}
			for _, child := range tt.children {
				assert.True(t, names[child], "%s should have subcommand %q", tt.name, child)
			}
		})
	}
}

func TestIngestAttributions_RequiredFlags(t *testing.T) {
	for _, name := range []string{"validator", "start", "end"} {
		flag := ingestAttributionsCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "ingest attributions should have --%s flag", name)
		assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag], name)
	}
	assert.NotNil(t, ingestAttributionsCmd.Flags().Lookup("force"))
}

func TestLedgerExport_Flags(t *testing.T) {
	flag := ledgerExportCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "csv", flag.DefValue)
	assert.NotNil(t, ledgerExportCmd.Flags().Lookup("out"))
}
