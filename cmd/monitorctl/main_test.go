package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupListRestore(t *testing.T) {
	db := filepath.Join(t.TempDir(), "events.db")
	var out bytes.Buffer

	require.NoError(t, run([]string{"--db", db, "backup"}, &out))
	assert.Contains(t, out.String(), "events-")

	out.Reset()
	require.NoError(t, run([]string{"--db", db, "list"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	name := strings.Fields(lines[1])[0]

	out.Reset()
	require.NoError(t, run([]string{"--db", db, "restore", name}, &out))
	assert.Contains(t, out.String(), `"total_events": 0`)
}

func TestExportImportAndVerify(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "events.db")
	var out bytes.Buffer

	require.NoError(t, run([]string{"--db", db, "export", filepath.Join(dir, "out.cbor")}, &out))
	assert.Equal(t, "exported 0 events\n", out.String())

	out.Reset()
	require.NoError(t, run([]string{"--db", db, "import", filepath.Join(dir, "out.cbor")}, &out))
	assert.Equal(t, "imported 0 events\n", out.String())

	out.Reset()
	require.NoError(t, run([]string{"--db", db, "verify"}, &out))
	assert.Contains(t, out.String(), `"store_ok": true`)

	out.Reset()
	require.NoError(t, run([]string{"--db", db, "retention", "7"}, &out))
	assert.Contains(t, out.String(), "retention 7 days")
}

func TestUsageErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "events.db")
	assert.Error(t, run([]string{"--db", db}, &bytes.Buffer{}))
	assert.Error(t, run([]string{"--db", db, "frobnicate"}, &bytes.Buffer{}))
	assert.Error(t, run([]string{"--db", db, "restore"}, &bytes.Buffer{}))
	assert.Error(t, run([]string{"--db", db, "retention", "-1"}, &bytes.Buffer{}))
}
