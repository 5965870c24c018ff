package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "ridemeterd.pid")
	p := New(path)
	require.NoError(t, p.Create())

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, got, err := CheckRunning(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), got)

	require.NoError(t, p.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, p.Remove())
}

func TestSecondInstanceIsRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridemeterd.pid")
	first := New(path)
	require.NoError(t, first.Create())
	defer first.Remove()

	second := New(path)
	err := second.Create()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))
}

func TestStaleFileIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridemeterd.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	p := New(path)
	require.NoError(t, p.Create())
	defer p.Remove()

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCheckRunningWithoutFile(t *testing.T) {
	running, pid, err := CheckRunning(filepath.Join(t.TempDir(), "absent.pid"))
	require.NoError(t, err)
	assert.False(t, running)
	assert.Zero(t, pid)
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))
	_, err := ReadPID(path)
	assert.Error(t, err)
}
