package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/ledger"
	"github.com/trialmesh/chronicle/pkg/store"
	"github.com/trialmesh/chronicle/pkg/verify"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled", "--help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "Usage: chronicled")
}

func TestRunNoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Usage: chronicled")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled", "version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), Version)
}

func TestVerifyFlagValidation(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled", "verify"}, &stdout, &stderr)
	assert.Equal(t, 2, code)

	stderr.Reset()
	code = Run([]string{"chronicled", "verify", "-stream", "a", "-package", "b"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "exactly one")
}

func TestExportFlagValidation(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled", "export"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "-stream is required")
}

// seedStream writes three chained diary events with evidence into a fresh
// SQLite store and closes it again.
func seedStream(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)

	lg := ledger.New(st)
	hasher, err := evidence.NewIdentityHasher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	builder := evidence.NewBuilder(st, hasher)

	for _, sev := range []string{"mild", "moderate", "severe"} {
		ev, err := lg.Append(ctx, ledger.AppendRequest{
			StreamID:   "diary-42",
			Payload:    json.RawMessage(`{"sev":"` + sev + `"}`),
			ActorRef:   "patient:subject-007",
			DeviceID:   "device-a",
			ClientTime: time.Now().UTC(),
		})
		require.NoError(t, err)
		_, err = builder.Attach(ctx, ev, "device-a", "subject-007", evidence.AssurancePassword)
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())
}

func TestExportVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chronicle.db")
	zipPath := filepath.Join(dir, "diary-42.zip")

	t.Setenv("DATABASE_URL", "")
	t.Setenv("CHRONICLE_PROFILE", "")
	t.Setenv("CHRONICLE_SQLITE_PATH", dbPath)

	seedStream(t, dbPath)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled", "export", "-stream", "diary-42", "-out", zipPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "evidence package written")
	assert.Contains(t, stdout.String(), "diary-42")

	// The package verifies offline.
	stdout.Reset()
	code = Run([]string{"chronicled", "verify", "-package", zipPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stdout.String())

	stdout.Reset()
	code = Run([]string{"chronicled", "verify", "-package", zipPath, "-json"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	var report verify.PackageReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.True(t, report.Verified)
	assert.Zero(t, report.IssueCount)

	// The live stream verifies too.
	stdout.Reset()
	code = Run([]string{"chronicled", "verify", "-stream", "diary-42"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "chain intact")
}

func TestVerifyStreamDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chronicle.db")

	t.Setenv("DATABASE_URL", "")
	t.Setenv("CHRONICLE_PROFILE", "")
	t.Setenv("CHRONICLE_SQLITE_PATH", dbPath)

	seedStream(t, dbPath)

	// Mutate a payload out of band, the way no API allows.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE events SET payload = '{"sev":"forged"}' WHERE stream_id = 'diary-42' AND seq = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled", "verify", "-stream", "diary-42"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "FAILED verification at seq 2")

	stdout.Reset()
	code = Run([]string{"chronicled", "verify", "-stream", "diary-42", "-json"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	var report verify.StreamReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.False(t, report.Valid)
	require.NotNil(t, report.FirstDivergence)
	assert.Equal(t, uint64(2), report.FirstDivergence.Seq)
	assert.Equal(t, 1, report.EventsChecked)
}

func TestVerifyPackageMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chronicled", "verify", "-package", filepath.Join(t.TempDir(), "absent.zip")}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "failed to open package")
}
