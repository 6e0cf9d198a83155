package logwatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestContainsAdvancesCursor(t *testing.T) {
	path := writeLog(t, "starting up\nfailpoint hit: before-upload\nsteady state\nfailpoint hit: after-upload\n")
	w := &Watcher{Path: path}

	line, cur, found, err := w.Contains("failpoint hit", Cursor{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, line, "before-upload")

	// Resuming from the returned cursor must not re-match the first hit.
	line, cur2, found, err := w.Contains("failpoint hit", cur)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, line, "after-upload")
	assert.Greater(t, cur2.lineNo, cur.lineNo)

	// Nothing further.
	_, _, found, err = w.Contains("failpoint hit", cur2)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestContainsMissingFile(t *testing.T) {
	w := &Watcher{Path: filepath.Join(t.TempDir(), "absent.log")}
	_, _, found, err := w.Contains("anything", Cursor{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestContainsBadPattern(t *testing.T) {
	w := &Watcher{Path: writeLog(t, "x\n")}
	_, _, _, err := w.Contains("([", Cursor{})
	assert.Error(t, err)
}

func TestScanForErrors(t *testing.T) {
	path := writeLog(t, `INFO starting
ERROR could not connect to broker
WARN something benign
ERROR query failed: tenant not found
PANIC unexpected state
`)

	offenders, err := ScanForErrors(path, []string{"tenant not found"})
	require.NoError(t, err)
	require.Len(t, offenders, 2)
	assert.Contains(t, offenders[0], "broker")
	assert.Contains(t, offenders[1], "PANIC")
}

func TestTailLog(t *testing.T) {
	path := writeLog(t, "one\ntwo\nthree\nfour\n")
	assert.Equal(t, "three\nfour", TailLog(path, 2))
	assert.Equal(t, "one\ntwo\nthree\nfour", TailLog(path, 10))
}
