package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	require.NoError(t, cmd.Execute(), errOut.String())
	return out.String()
}

func TestVersion(t *testing.T) {
	assert.Contains(t, run(t, "version"), "ontoq v"+version)
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontoq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  l1_size: 42\n"), 0o600))
	t.Setenv("ONTOQ_LOG_FORMAT", "json")

	out := run(t, "--config", path, "config")
	assert.Contains(t, out, "l1_size: 42")
	assert.Contains(t, out, "format: json")
}

func TestDemo(t *testing.T) {
	out := run(t, "demo")
	assert.Contains(t, out, "m1")
	assert.Contains(t, out, "m2")
	assert.Contains(t, out, "paid total: 160.00")
	assert.Contains(t, out, "large orders: 1")
	assert.Contains(t, out, "single(")
}

func TestBench(t *testing.T) {
	out := run(t, "bench", "--orders", "200", "--merchants", "5", "--queries", "20", "--metrics")
	assert.Contains(t, out, "loaded 200 orders, 5 merchants")
	assert.Contains(t, out, "created index")
	assert.Contains(t, out, "search_around reached")
	assert.Contains(t, out, "ontoq_cache_misses_total")
}
