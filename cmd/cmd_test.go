package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/olamilekan000/readerq/readerq/driver"
)

func execute(t *testing.T, dir string, args ...string) error {
	t.Helper()

	root := newRootCmd()
	root.SetArgs(append(args,
		"--env-file", filepath.Join(dir, "missing.env"),
		"--sqlite-path", filepath.Join(dir, "jobs.sqlite"),
	))
	return root.ExecuteContext(context.Background())
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, execute(t, dir, "enqueue", "ocr", `{"path":"a.png"}`, "--id", "a.png"))
	require.NoError(t, execute(t, dir, "enqueue", "ocr", "--id", "a.png"))
	require.NoError(t, execute(t, dir, "status", "ocr", "a.png"))
	require.NoError(t, execute(t, dir, "stats"))
	require.NoError(t, execute(t, dir, "purge"))

	require.Error(t, execute(t, dir, "enqueue", "ocr", `{not json`))
	require.Error(t, execute(t, dir, "status", "ocr", "missing.png"))
	require.Error(t, execute(t, dir, "clear"))
	require.NoError(t, execute(t, dir, "clear", "--yes"))
	require.Error(t, execute(t, dir, "status", "ocr", "a.png"))
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("READERQ_SQLITE_PATH", "/from/env.sqlite")
	t.Setenv("READERQ_LOG_LEVEL", "warn")

	root := newRootCmd()
	status, _, err := root.Find([]string{"status"})
	require.NoError(t, err)
	require.NoError(t, status.ParseFlags([]string{
		"--env-file", filepath.Join(dir, "missing.env"),
		"--driver", "sqlite",
		"--log-level", "debug",
	}))

	cfg, err := loadConfig(status)
	require.NoError(t, err)
	require.Equal(t, driver.DriverSQLite, cfg.Driver)
	require.Equal(t, "/from/env.sqlite", cfg.SQLitePath)
	require.Equal(t, "debug", cfg.LogLevel)
}
