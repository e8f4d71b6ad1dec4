package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPIDFile(t *testing.T, alive map[int]bool) *PIDFile {
	t.Helper()
	p := New(filepath.Join(t.TempDir(), "run", "locfixd.pid"))
	p.alive = func(pid int) bool { return alive[pid] }
	return p
}

func TestCreateAndRemove(t *testing.T) {
	p := newTestPIDFile(t, nil)
	require.NoError(t, p.Create())

	pid, err := p.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))

	// removing twice is fine
	require.NoError(t, p.Remove())
}

func TestCreate_RefusesLiveOwner(t *testing.T) {
	p := newTestPIDFile(t, map[int]bool{424242: true})
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("424242\n"), 0o644))

	err := p.Create()
	require.ErrorIs(t, err, ErrAlreadyRunning)

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, 424242, pid)
}

func TestCreate_ReplacesStaleFile(t *testing.T) {
	p := newTestPIDFile(t, map[int]bool{})
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("424242\n"), 0o644))

	require.NoError(t, p.Create())
	pid, err := p.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCreate_ReplacesGarbage(t *testing.T) {
	p := newTestPIDFile(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("not-a-pid"), 0o644))

	_, _, err := p.CheckRunning()
	require.Error(t, err)

	require.NoError(t, p.Create())
}

func TestRemove_LeavesForeignFile(t *testing.T) {
	p := newTestPIDFile(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("7\n"), 0o644))

	assert.Error(t, p.Remove())
	_, err := os.Stat(p.Path())
	require.NoError(t, err)

	require.NoError(t, p.ForceRemove())
	require.NoError(t, p.ForceRemove())
}

func TestCheckRunning_OwnPIDIsNotAnotherInstance(t *testing.T) {
	p := newTestPIDFile(t, map[int]bool{os.Getpid(): true})
	require.NoError(t, p.Create())

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}
