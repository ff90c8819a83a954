package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwdatafind/datafind-server/internal/config"
)

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefault()
	cfg.Inventory.Path = filepath.Join(dir, "frame_cache.dat")
	cfg.Inventory.Watch = false
	cfg.Inventory.ReadAttempts = 1
	require.NoError(t, os.WriteFile(cfg.Inventory.Path, []byte(
		"/data/H,H,T,1,4,gwf 0 3 {1000 1012}\nnot a line\n"), 0o644))

	var out bytes.Buffer
	require.NoError(t, check(context.Background(), cfg, zerolog.Nop(), &out))
	assert.Contains(t, out.String(), "inventory")
	assert.Contains(t, out.String(), "1 series across extensions [gwf]")

	cfg.Inventory.Path = filepath.Join(dir, "missing.dat")
	out.Reset()
	assert.Error(t, check(context.Background(), cfg, zerolog.Nop(), &out))
	assert.Contains(t, out.String(), "stat failed")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datafind.yaml")

	cmd := configCmd()
	cmd.SetArgs([]string{"init", path})
	cmd.SetOut(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())

	cfg := config.NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))
	assert.NoError(t, cfg.Validate())

	cmd = configCmd()
	cmd.SetArgs([]string{"init", path})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute(), "refuses to overwrite")
}
