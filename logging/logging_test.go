package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	w, err := NewRotatingWriter(path, 64)
	require.NoError(t, err)
	defer w.Close()

	line := []byte(strings.Repeat("x", 40) + "\n")
	_, err = w.Write(line)
	require.NoError(t, err)
	_, err = w.Write(line)
	require.NoError(t, err)

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Len(t, backup, 82)

	_, err = w.Write([]byte("fresh\n"))
	require.NoError(t, err)
	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(current))
}

func TestRotatingWriterTruncatesOversizedFileOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, make([]byte, 128), 0o644))

	w, err := NewRotatingWriter(path, 64)
	require.NoError(t, err)
	defer w.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	logger, rw, err := Setup(path, "debug")
	require.NoError(t, err)
	require.NotNil(t, rw)
	defer rw.Close()

	logger.Infow("job completed", "job_id", "j1")
	require.NoError(t, rw.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job_id":"j1"`)
}
