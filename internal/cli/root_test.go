package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/config"
	"github.com/qrclock/attendcore/pkg/errclass"
)

func TestMain(m *testing.M) {
	color.Disable()
	os.Exit(m.Run())
}

func executeCommand(root *cobra.Command, args ...string) (stdout string, err error) {
	// Capture os.Stdout since CLI uses fmt.Printf directly
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.Bytes()
	}()

	root.SetArgs(args)
	err = root.Execute()

	w.Close()
	os.Stdout = oldStdout
	return string(<-done), err
}

// resetFlags restores every flag to its default so package-level commands
// can run more than once per process.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// setupDataDir returns a fresh data directory and a runner bound to it.
func setupDataDir(t *testing.T) (string, func(args ...string) (string, error)) {
	t.Helper()
	t.Setenv(config.SecretEnv, "cli-test-secret")
	dir := t.TempDir()
	return dir, func(args ...string) (string, error) {
		resetFlags(rootCmd)
		return executeCommand(rootCmd, append([]string{"--data-dir", dir}, args...)...)
	}
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0600))
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), "output: %s", out)
	return v
}

func TestRootCommand_Help(t *testing.T) {
	resetFlags(rootCmd)
	stdout, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "attendctl")
	assert.Contains(t, stdout, "audit log")
}

func TestRootCommand_JSONFlag(t *testing.T) {
	resetFlags(rootCmd)
	_, err := executeCommand(rootCmd, "--json", "--help")
	require.NoError(t, err)
	assert.True(t, jsonOutput)
}

func TestRequiresSigningSecret(t *testing.T) {
	t.Setenv(config.SecretEnv, "")
	resetFlags(rootCmd)
	_, err := executeCommand(rootCmd, "--data-dir", t.TempDir(), "queue", "status")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestUnknownRole(t *testing.T) {
	_, run := setupDataDir(t)
	_, err := run("--role", "janitor", "record", "add", "positions", "--set", "name=Gate A")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestRecordLifecycle(t *testing.T) {
	_, run := setupDataDir(t)

	out, err := run("--json", "record", "add", "clock-records", "--set", "userId=w-1", "--set", "status=active")
	require.NoError(t, err)
	rec := decode[map[string]any](t, out)
	id := rec["id"].(string)
	require.NotEmpty(t, id)
	assert.EqualValues(t, 1, rec["version"])

	out, err = run("record", "get", "clock-records", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Integrity: verified")
	assert.Contains(t, out, `userId: "w-1"`)

	out, err = run("record", "update", "clock-records", id, "--set", "status=closed", "--expect-version", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "(version 2)")

	_, err = run("record", "update", "clock-records", id, "--set", "status=open", "--expect-version", "1")
	assert.ErrorIs(t, err, errclass.ErrVersionConflict)

	_, err = run("record", "delete", "clock-records", id)
	require.NoError(t, err)

	out, err = run("record", "list", "clock-records")
	require.NoError(t, err)
	assert.Contains(t, out, "No records")

	out, err = run("record", "list", "clock-records", "--deleted")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	_, err = run("record", "restore", "clock-records", id)
	require.NoError(t, err)
	_, err = run("record", "delete", "clock-records", id)
	require.NoError(t, err)

	_, err = run("--role", "worker", "record", "purge", "clock-records", id)
	assert.ErrorIs(t, err, errclass.ErrPolicyViolation)

	out, err = run("record", "purge", "clock-records", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Purged")

	out, err = run("--json", "record", "list", "clock-records", "--all")
	require.NoError(t, err)
	assert.Empty(t, decode[[]map[string]any](t, out))
}

func TestRecordUnknownCollection(t *testing.T) {
	_, run := setupDataDir(t)
	_, err := run("record", "list", "clock")
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	assert.Contains(t, err.Error(), "Did you mean: clock-records?")
}

func TestRecordAddNeedsFields(t *testing.T) {
	_, run := setupDataDir(t)
	_, err := run("record", "add", "positions")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestVerifyAndAudit(t *testing.T) {
	_, run := setupDataDir(t)
	_, err := run("record", "add", "absence-requests", "--data", `{"userId":"w-1","type":"vacation","status":"pending"}`)
	require.NoError(t, err)

	out, err := run("verify")
	require.NoError(t, err)
	assert.Contains(t, out, "1 records checked, 0 tampered")

	_, err = run("verify", "positions")
	assert.ErrorIs(t, err, errclass.ErrPolicyViolation)

	out, err = run("audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "audit chain intact (1 entries)")

	out, err = run("audit", "export")
	require.NoError(t, err)
	entries := decode[[]map[string]any](t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "create", entries[0]["action"])

	out, err = run("audit", "list", "--action", "create")
	require.NoError(t, err)
	assert.Contains(t, out, "absence-requests/cli")
}

func TestQueueCommands(t *testing.T) {
	dir, run := setupDataDir(t)
	writeConfig(t, dir, "sync:\n  max_attempts: 1\n")

	_, err := run("record", "add", "workers", "--set", "name=Ana")
	require.NoError(t, err)
	out, err := run("--json", "queue", "enqueue", "notifications", "--set", "text=hi")
	require.NoError(t, err)
	assert.Equal(t, "notifications", decode[map[string]any](t, out)["dataType"])

	out, err = run("--json", "queue", "status")
	require.NoError(t, err)
	st := decode[map[string]any](t, out)
	assert.EqualValues(t, 2, st["pending"])

	// No remote is configured, so every send fails terminally.
	out, err = run("--json", "queue", "drain")
	require.NoError(t, err)
	res := decode[map[string]any](t, out)
	assert.EqualValues(t, 2, res["processed"])
	assert.Len(t, res["failed"], 2)

	out, err = run("--json", "queue", "failed")
	require.NoError(t, err)
	failed := decode[[]map[string]any](t, out)
	require.Len(t, failed, 2)

	out, err = run("queue", "retry", failed[0]["id"].(string))
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued")

	out, err = run("--json", "queue", "purge")
	require.NoError(t, err)
	assert.EqualValues(t, 1, decode[map[string]any](t, out)["purged"])

	_, err = run("queue", "enqueue", "workers", "--kind", "upsert", "--set", "a=1")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestPolicyListGolden(t *testing.T) {
	_, run := setupDataDir(t)
	out, err := run("policy", "list")
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "policy_list", []byte(out))
}

func TestPolicySetAndReset(t *testing.T) {
	_, run := setupDataDir(t)

	out, err := run("--json", "policy", "set", "notifications", "--strategy", "immediate", "--priority", "high")
	require.NoError(t, err)
	p := decode[map[string]any](t, out)
	assert.Equal(t, "immediate", p["strategy"])
	assert.EqualValues(t, 2, p["priority"])
	assert.Equal(t, true, p["retryOnFailure"])
	assert.EqualValues(t, 50, p["batchSize"])

	_, err = run("policy", "set", "notifications", "--priority", "urgent")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)

	out, err = run("policy", "reset", "notifications")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 policy overrides")

	out, err = run("policy", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "notifications      LOW        scheduled")
}

func TestStorageCommands(t *testing.T) {
	_, run := setupDataDir(t)
	_, err := run("record", "add", "positions", "--set", "name=Gate A")
	require.NoError(t, err)

	out, err := run("--json", "storage", "usage", "--keys")
	require.NoError(t, err)
	usage := decode[map[string]any](t, out)
	assert.EqualValues(t, 5*1024*1024, usage["quotaBytes"])
	assert.Equal(t, "ok", usage["level"])

	out, err = run("storage", "cleanup", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Would drop 0 entries")

	out, err = run("storage", "optimize")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved")
}

func TestConnectionCheck(t *testing.T) {
	_, run := setupDataDir(t)
	out, err := run("--json", "connection", "check")
	require.NoError(t, err)
	assert.Equal(t, true, decode[map[string]any](t, out)["online"])
}

func TestBackupCommands(t *testing.T) {
	dir, run := setupDataDir(t)
	archive := filepath.Join(dir, "archive")
	writeConfig(t, dir, "backup:\n  dir: "+archive+"\n")

	_, err := run("record", "add", "clock-records", "--set", "userId=w-1", "--set", "status=active")
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "backup.json")
	out, err := run("backup", "create", "--reason", "test", "-o", file)
	require.NoError(t, err)
	assert.Contains(t, out, "archived as")
	assert.Contains(t, out, "written to")

	out, err = run("--json", "backup", "list")
	require.NoError(t, err)
	listed := decode[[]map[string]any](t, out)
	require.Len(t, listed, 1)

	out, err = run("backup", "verify", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Valid backup 1.0")

	out, err = run("backup", "verify", listed[0]["name"].(string))
	require.NoError(t, err)
	assert.Contains(t, out, "Valid")

	out, err = run("--json", "backup", "import", file, "--mode", "merge", "--collections", "clock-*")
	require.NoError(t, err)
	res := decode[map[string]any](t, out)
	assert.Equal(t, "merge", res["mode"])

	out, err = run("--json", "backup", "safety")
	require.NoError(t, err)
	assert.Len(t, decode[[]map[string]any](t, out), 1)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"w-1"`), []byte(`"w-2"`), 1)
	require.NoError(t, os.WriteFile(file, tampered, 0600))

	_, err = run("backup", "verify", file)
	assert.ErrorIs(t, err, errclass.ErrImportValidation)
	_, err = run("backup", "import", file)
	assert.ErrorIs(t, err, errclass.ErrImportValidation)

	_, err = run("backup", "verify", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestDoctorHealthy(t *testing.T) {
	_, run := setupDataDir(t)
	out, err := run("doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "Data directory is healthy.")
}

func TestDoctorReportsOrphanTmp(t *testing.T) {
	dir, run := setupDataDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".attend-tmp-123"), []byte("x"), 0600))

	out, err := run("--json", "doctor")
	require.NoError(t, err)
	result := decode[map[string]any](t, out)
	assert.Equal(t, true, result["healthy"])
	assert.Len(t, result["findings"], 1)
}

func TestWriterLockEnabled(t *testing.T) {
	dir, run := setupDataDir(t)
	writeConfig(t, dir, "writer_lock:\n  enabled: true\n")

	_, err := run("record", "add", "positions", "--set", "name=Gate A")
	require.NoError(t, err)
	// The lease is released after each command, so a second writer succeeds.
	_, err = run("record", "add", "positions", "--set", "name=Gate B")
	require.NoError(t, err)
}

func TestCompletionCommand(t *testing.T) {
	resetFlags(rootCmd)
	out, err := executeCommand(rootCmd, "completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, out, "attendctl")

	resetFlags(rootCmd)
	_, err = executeCommand(rootCmd, "completion", "tcsh")
	assert.Error(t, err)
}
