package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wegman-software/citytiles-go/internal/tileid"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		tileIDMethod, tileIDXYZ = "hilbert", false
	})
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestTileIDEncodeDecode(t *testing.T) {
	out, err := runCommand(t, "tileid", "encode", "5", "17", "9", "--env-file", "")
	require.NoError(t, err)
	want := tileid.Hilbert.MustEncode(5, 17, 9)
	require.Equal(t, strconv.FormatUint(want, 10), out)

	out, err = runCommand(t, "tileid", "decode", out, "--env-file", "")
	require.NoError(t, err)
	require.Equal(t, "5/17/9", out)
}

func TestTileIDXYZ(t *testing.T) {
	out, err := runCommand(t, "tileid", "encode", "2", "1", "0", "--xyz", "-m", "zorder", "--env-file", "")
	require.NoError(t, err)
	require.Equal(t, strconv.FormatUint(tileid.ZOrder.MustEncode(2, 1, 3), 10), out)

	out, err = runCommand(t, "tileid", "decode", out, "--xyz", "-m", "zorder", "--env-file", "")
	require.NoError(t, err)
	require.Equal(t, "2/1/0", out)
}

func TestTileIDErrors(t *testing.T) {
	_, err := runCommand(t, "tileid", "encode", "2", "4", "0", "--env-file", "")
	require.ErrorIs(t, err, tileid.ErrInvalidTile)

	_, err = runCommand(t, "tileid", "encode", "31", "0", "0", "--env-file", "")
	require.ErrorIs(t, err, tileid.ErrInvalidTile)

	_, err = runCommand(t, "tileid", "decode", "x", "--env-file", "")
	require.Error(t, err)

	_, err = runCommand(t, "tileid", "decode", "1", "-m", "peano", "--env-file", "")
	require.Error(t, err)
}

func TestProcessorFactory(t *testing.T) {
	dir := t.TempDir()

	f, err := processorFactory("")
	require.NoError(t, err)
	require.Nil(t, f)

	rules := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte("filter:\n  require_any: [height]\n"), 0644))
	f, err = processorFactory(rules)
	require.NoError(t, err)
	p, err := f()
	require.NoError(t, err)
	_, keep, err := p.Process("a", map[string]any{"name": "x"})
	require.NoError(t, err)
	require.False(t, keep)

	script := filepath.Join(dir, "style.lua")
	require.NoError(t, os.WriteFile(script, []byte(`function process_feature(id, attrs) return {id = id} end`), 0644))
	f, err = processorFactory(script)
	require.NoError(t, err)
	p, err = f()
	require.NoError(t, err)
	defer p.Close()
	props, keep, err := p.Process("a", nil)
	require.NoError(t, err)
	require.True(t, keep)
	require.Equal(t, map[string]any{"id": "a"}, props)

	_, err = processorFactory(filepath.Join(dir, "style.json"))
	require.Error(t, err)
}

func TestLoadRequiresManifest(t *testing.T) {
	_, err := runCommand(t, "load", "--env-file", "")
	require.Error(t, err)

	flag := loadCmd.Flags().Lookup("table")
	require.NotNil(t, flag)
	require.Equal(t, "tile_index", flag.DefValue)
}
