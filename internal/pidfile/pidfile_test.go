package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "canopyd.pid")
	pf := New(path)

	require.NoError(t, pf.Write())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, pf.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteRefusesLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canopyd.pid")

	// The current process is trivially alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644))

	err := New(path).Write()
	assert.Error(t, err)
}

func TestWriteReclaimsStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canopyd.pid")
	require.NoError(t, os.WriteFile(path, []byte("99999999"), 0644))

	pf := New(path)
	require.NoError(t, pf.Write())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestRemoveMissingFileIsNoError(t *testing.T) {
	pf := New(filepath.Join(t.TempDir(), "missing.pid"))
	assert.NoError(t, pf.Remove())
}
