package main

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), "attendctl")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "attendctl")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func run(t *testing.T, bin, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(bin, append([]string{"--data-dir", dataDir, "--no-color"}, args...)...)
	cmd.Env = append(os.Environ(), "ATTENDCORE_SIGNING_SECRET=binary-test-secret")
	out, err := cmd.Output()
	return string(out), err
}

func TestMainEntryPoints(t *testing.T) {
	_ = main
}

func TestMainHelpFlag(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "attendctl")
	assert.Contains(t, string(out), "audit log")
}

func TestMainUnknownCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	bin := buildBinary(t)

	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestBinaryRecordRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	bin := buildBinary(t)
	dataDir := t.TempDir()

	out, err := run(t, bin, dataDir, "--json", "record", "add", "clock-records", "--set", "userId=w-1", "--set", "status=active")
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	id, _ := rec["id"].(string)
	require.NotEmpty(t, id)

	// A second process sees the record written by the first.
	out, err = run(t, bin, dataDir, "record", "get", "clock-records", id)
	require.NoError(t, err)
	assert.Contains(t, out, `"w-1"`)
	assert.Contains(t, out, "verified")

	out, err = run(t, bin, dataDir, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "audit chain intact")

	_, err = run(t, bin, dataDir, "record", "get", "clock-record", id)
	assert.Error(t, err)
}
