package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tellbot/internal/storage"
	logx "tellbot/pkg/logx"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "tellbot dev\n", out.String())
}

func TestPrintStatus(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	for _, r := range []string{"bob", "bob", "carol"} {
		_, err := st.Create(ctx, "alice", "-100", r, "hi")
		require.NoError(t, err)
	}
	id, err := st.Create(ctx, "dave", "-100", "alice", "yo")
	require.NoError(t, err)
	_, err = st.MarkSent(ctx, id)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printStatus(ctx, &out, st))
	text := out.String()

	assert.Contains(t, text, "pending: 3  delivered: 1")
	assert.Contains(t, text, "RECIPIENT")
	assert.Contains(t, text, "SENDER")
	assert.Less(t, strings.Index(text, "bob"), strings.Index(text, "carol"), "largest count first")
	assert.Contains(t, text, "dave")
}

func TestStatusCommandReadsConfig(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "tells.db")
	cfg := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[telegram]\ntoken = \"1:x\"\n\n[storage]\npath = \""+db+"\"\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--config", cfg, "--env-file", ""})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "pending: 0  delivered: 0")
	assert.Contains(t, strings.ToLower(out.String()), "(none)")
}

func TestLoadEnvMissingFile(t *testing.T) {
	require.NoError(t, loadEnv(filepath.Join(t.TempDir(), "absent.env")))
	require.NoError(t, loadEnv(""))
}
