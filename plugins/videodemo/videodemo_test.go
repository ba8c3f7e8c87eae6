package videodemo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playd/internal/asyncjob"
	"playd/internal/device"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

func TestFileDuration(t *testing.T) {
	assert.Equal(t, int64(15), fileDuration("ident_15.mov"))
	assert.Equal(t, int64(90), fileDuration("trailer_odyssey_90.mp4"))
	assert.Equal(t, int64(10), fileDuration("plain.mov"))
	assert.Equal(t, int64(10), fileDuration("bad_suffix_x.mov"))
	assert.Equal(t, int64(10), fileDuration("negative_-3.mov"))
}

func TestScanMediaDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ident_15.mov", "plain.mov", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	files, err := scanMediaDir(dir, 25)
	require.NoError(t, err)
	require.Len(t, files, 2)

	byName := map[string]int64{}
	for _, f := range files {
		byName[f.Name] = f.Duration
	}
	assert.Equal(t, int64(15*25), byName["ident_15.mov"])
	assert.Equal(t, int64(10*25), byName["plain.mov"])
}

func testDevice(t *testing.T) (*Device, *asyncjob.System) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ident_15.mov"), nil, 0o644))

	jobs := asyncjob.New(logx.Nop())
	reg := device.NewRegistry()
	raw, _ := json.Marshal(Config{MediaDir: dir})
	inst, err := Factory(reg, jobs, 25, logx.Nop())(context.Background(), "vt1", raw)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Shutdown(context.Background()) })

	require.True(t, reg.Has("vt1"))
	return inst.(*Device), jobs
}

func settle(t *testing.T, d *Device, jobs *asyncjob.System) {
	t.Helper()
	require.Eventually(t, func() bool { return jobs.Pending() == 0 },
		2*time.Second, 5*time.Millisecond)
	jobs.Complete()
	require.Equal(t, plugin.StatusReady, d.Status())
}

func TestLoadThenPlay(t *testing.T) {
	d, jobs := testDevice(t)
	settle(t, d, jobs)

	err := d.Dispatch(device.EventData{
		Action:    ActionLoad,
		ExtraData: map[string]string{"filename": "ident_15.mov"},
	})
	require.NoError(t, err)

	err = d.Dispatch(device.EventData{Action: ActionPlay, Duration: 375})
	require.NoError(t, err)

	// Nothing is loaded anymore; a bare play fails.
	err = d.Dispatch(device.EventData{Action: ActionPlay})
	assert.ErrorIs(t, err, device.ErrDispatch)
}

func TestDispatchUnknownFile(t *testing.T) {
	d, jobs := testDevice(t)
	settle(t, d, jobs)

	err := d.Dispatch(device.EventData{
		Action:    ActionPlay,
		ExtraData: map[string]string{"filename": "missing.mov"},
	})
	assert.ErrorIs(t, err, device.ErrDispatch)
}

func TestFactoryRequiresMediaDir(t *testing.T) {
	jobs := asyncjob.New(logx.Nop())
	_, err := Factory(device.NewRegistry(), jobs, 25, logx.Nop())(
		context.Background(), "vt1", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestShutdownUnregisters(t *testing.T) {
	dir := t.TempDir()
	jobs := asyncjob.New(logx.Nop())
	reg := device.NewRegistry()
	raw, _ := json.Marshal(Config{MediaDir: dir})
	inst, err := Factory(reg, jobs, 25, logx.Nop())(context.Background(), "vt1", raw)
	require.NoError(t, err)

	inst.Shutdown(context.Background())
	assert.False(t, reg.Has("vt1"))
	assert.Equal(t, plugin.StatusUnload, inst.Status())
}
