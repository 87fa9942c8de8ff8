package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command against a temporary SQLite database
func runCLI(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("DB_DSN", dsn)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--env-file", ""}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCLI_SeedAndEvaluate(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "book.db")

	out, err := runCLI(t, dsn, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "sample data loaded")

	out, err = runCLI(t, dsn, "margin", "all")
	require.NoError(t, err)
	assert.Contains(t, out, "CLIENT001")
	assert.Contains(t, out, "3 evaluated, 0 failed")

	out, err = runCLI(t, dsn, "margin", "check", "CLIENT001")
	require.NoError(t, err)
	assert.Contains(t, out, `"clientId": "CLIENT001"`)

	_, err = runCLI(t, dsn, "margin", "check", "NOBODY")
	require.Error(t, err)
}

func TestCLI_PositionsAndAccounts(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "book.db")

	out, err := runCLI(t, dsn, "accounts", "set", "C9", "1000", "--rate", "0.30")
	require.NoError(t, err)
	assert.Contains(t, out, `"clientId": "C9"`)

	out, err = runCLI(t, dsn, "positions", "add", "C9", "aapl", "10", "100")
	require.NoError(t, err)
	assert.Contains(t, out, `"symbol": "AAPL"`)

	out, err = runCLI(t, dsn, "positions", "close", "C9", "AAPL", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "position C9/AAPL closed")

	_, err = runCLI(t, dsn, "positions", "add", "C9", "AAPL", "-5", "100")
	require.Error(t, err)
	_, err = runCLI(t, dsn, "accounts", "set", "C9", "1000", "--rate", "1.5")
	require.Error(t, err)
}

func TestCLI_Schedule(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "book.db")

	out, err := runCLI(t, dsn, "schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "after-hours-margin")
	assert.Contains(t, out, "at minute 0, hour 2")
	assert.Contains(t, out, "retention-cleanup")

	out, err = runCLI(t, dsn, "schedule", "run", "retention-cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)

	_, err = runCLI(t, dsn, "schedule", "run", "no-such-job")
	require.Error(t, err)
}

func TestCLI_Version(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "marginwatch v1.0.0\n", out.String())
}
