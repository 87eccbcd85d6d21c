package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rakeback-engine/internal/model"
)

const seedYAML = `
partners:
  - id: alpha
    name: Alpha Fund
    type: named
    rakebackRate: "0.5"
    priority: 1
    effectiveFromBlock: 0
    rules:
      - type: wallet
        config:
          address: W1
`

// setupCLI points the commands at a fresh SQLite database in a temp dir.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("RAKEBACK_STORE_DRIVER", "sqlite")
	t.Setenv("RAKEBACK_STORE_DATABASE_URL", filepath.Join(dir, "cli.db"))
	t.Setenv("RAKEBACK_GATEWAY_URL", "http://127.0.0.1:1")
	t.Setenv("RAKEBACK_LOG_LEVEL", "error")
	return dir
}

// runCLI executes the root command with args, resetting flags left over
// from earlier runs.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd, _, err := rootCmd.Find(args)
	require.NoError(t, err)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err = rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_PartnersImportAndList(t *testing.T) {
	dir := setupCLI(t)
	seed := filepath.Join(dir, "partners.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedYAML), 0o600))

	out, err := runCLI(t, "partners", "import", seed, "--historical")
	require.NoError(t, err)
	assert.Contains(t, out, "Created: 1")

	out, err = runCLI(t, "partners", "import", seed, "--historical")
	require.NoError(t, err)
	assert.Contains(t, out, "Skipped: 1")

	out, err = runCLI(t, "partners", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Alpha Fund")
	assert.Contains(t, out, "0.5")

	out, err = runCLI(t, "partners", "log", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, string(model.ChangePartnerCreated))

	_, err = runCLI(t, "partners", "show", "nobody")
	assert.Error(t, err)
}

func TestCLI_LedgerAggregateListExport(t *testing.T) {
	dir := setupCLI(t)
	seed := filepath.Join(dir, "partners.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedYAML), 0o600))
	_, err := runCLI(t, "partners", "import", seed, "--historical")
	require.NoError(t, err)

	out, err := runCLI(t, "ledger", "aggregate", "--period", "2025-03")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "PENDING")

	out, err = runCLI(t, "ledger", "list", "--partner", "alpha", "--status", "PENDING")
	require.NoError(t, err)
	assert.Contains(t, out, "2025-03")
	assert.Contains(t, out, "regular")

	exported := filepath.Join(dir, "ledger.json")
	_, err = runCLI(t, "ledger", "export", "--format", "json", "--out", exported)
	require.NoError(t, err)
	raw, err := os.ReadFile(exported)
	require.NoError(t, err)
	var entries []model.RakebackLedgerEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "alpha", entries[0].PartnerID)

	_, err = runCLI(t, "ledger", "aggregate", "--period", "March")
	assert.Error(t, err)
	_, err = runCLI(t, "ledger", "pay", entries[0].ID, "")
	assert.Error(t, err)
}

func TestCLI_CompletenessOnEmptyStore(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "completeness", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Block coverage:")
	assert.Contains(t, out, "100.00% (0/0)")

	out, err = runCLI(t, "completeness", "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "Opened: 0")
}

func TestCLI_InvalidDriver(t *testing.T) {
	setupCLI(t)
	t.Setenv("RAKEBACK_STORE_DRIVER", "mysql")

	_, err := runCLI(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}
