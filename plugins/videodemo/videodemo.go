// Package videodemo is a file-backed demo video device. It plays nothing
// for real; it maintains a media list scanned from a directory and logs
// load/play/stop dispatches, which is enough to exercise full playlists on
// a machine with no playout hardware.
package videodemo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"playd/internal/asyncjob"
	"playd/internal/device"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

const (
	ActionPlay = iota
	ActionLoad
	ActionStop
)

// defaultFileSeconds is assumed when a filename carries no duration suffix.
const defaultFileSeconds = 10

type Config struct {
	// MediaDir is scanned for playable files. A duration in whole seconds
	// may be encoded as a trailing "_<seconds>" in the filename stem
	// (e.g. ident_15.mov); files without one report 10 seconds.
	MediaDir string `json:"media_dir"`
}

type Device struct {
	name      string
	log       logx.Logger
	devices   *device.Registry
	jobs      *asyncjob.System
	frameRate int
	cfg       Config

	mu     sync.Mutex
	status plugin.Status
	files  []device.FileInfo
	loaded string
}

// Factory builds instances of this device type for the plugin manager.
func Factory(devices *device.Registry, jobs *asyncjob.System, frameRate int, log logx.Logger) plugin.Factory {
	return func(_ context.Context, name string, raw json.RawMessage) (plugin.Instance, error) {
		var cfg Config
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("videodemo config: %w", err)
			}
		}
		if strings.TrimSpace(cfg.MediaDir) == "" {
			return nil, fmt.Errorf("videodemo: media_dir is required")
		}

		d := &Device{
			name:      name,
			log:       log.With(logx.String("plugin", name)),
			devices:   devices,
			jobs:      jobs,
			frameRate: frameRate,
			cfg:       cfg,
			status:    plugin.StatusStarting,
		}
		devices.Register(name, d)
		d.Rescan()
		return d, nil
	}
}

func (d *Device) Name() string { return "videodemo" }
func (d *Device) Type() string { return "videodemo" }

func (d *Device) Status() plugin.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) Shutdown(_ context.Context) {
	d.devices.Unregister(d.name)
	d.mu.Lock()
	d.status = plugin.StatusUnload
	d.mu.Unlock()
}

func (d *Device) Kind() device.Kind { return device.KindVideo }

func (d *Device) Actions() []device.ActionInfo {
	return []device.ActionInfo{
		{ID: ActionPlay, Name: "play"},
		{ID: ActionLoad, Name: "load"},
		{ID: ActionStop, Name: "stop"},
	}
}

func (d *Device) FileList() []device.FileInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.FileInfo(nil), d.files...)
}

func (d *Device) Dispatch(ev device.EventData) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	filename := ev.ExtraData["filename"]
	switch ev.Action {
	case ActionLoad:
		if filename == "" {
			return fmt.Errorf("%w: load with no filename", device.ErrDispatch)
		}
		if !d.hasFileLocked(filename) {
			return fmt.Errorf("%w: no such file %q", device.ErrDispatch, filename)
		}
		d.loaded = filename
		d.log.Info("loaded", logx.String("file", filename))
	case ActionPlay:
		if filename == "" {
			filename = d.loaded
		}
		if filename == "" {
			return fmt.Errorf("%w: play with nothing loaded", device.ErrDispatch)
		}
		if !d.hasFileLocked(filename) {
			return fmt.Errorf("%w: no such file %q", device.ErrDispatch, filename)
		}
		d.loaded = ""
		d.log.Info("playing",
			logx.String("file", filename),
			logx.Int64("duration_frames", ev.Duration),
			logx.Int64("event_id", ev.ID))
	case ActionStop:
		d.log.Info("stopped")
	default:
		return fmt.Errorf("%w: unknown action %d", device.ErrDispatch, ev.Action)
	}
	return nil
}

// Rescan rebuilds the media list off the frame loop. Until the first scan
// lands the device reports Starting and an empty list.
func (d *Device) Rescan() {
	dir := d.cfg.MediaDir
	rate := d.frameRate
	d.jobs.Submit(asyncjob.Job{
		Name: d.name + ".rescan",
		Run: func() (any, error) {
			return scanMediaDir(dir, rate)
		},
		Complete: func(result any, err error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			if err != nil {
				d.log.Warn("media scan failed", logx.Err(err))
				d.status = plugin.StatusFailed
				return
			}
			d.files = result.([]device.FileInfo)
			d.status = plugin.StatusReady
			d.log.Info("media list updated", logx.Int("files", len(d.files)))
		},
	})
}

func (d *Device) hasFileLocked(name string) bool {
	for _, f := range d.files {
		if f.Name == name {
			return true
		}
	}
	return false
}

func scanMediaDir(dir string, frameRate int) ([]device.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []device.FileInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, device.FileInfo{
			Name:     e.Name(),
			Duration: fileDuration(e.Name()) * int64(frameRate),
		})
	}
	return out, nil
}

// fileDuration pulls a whole-second duration from a "_<seconds>" filename
// suffix, e.g. ident_15.mov is fifteen seconds.
func fileDuration(name string) int64 {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.LastIndex(stem, "_")
	if idx < 0 {
		return defaultFileSeconds
	}
	secs, err := strconv.ParseInt(stem[idx+1:], 10, 64)
	if err != nil || secs <= 0 {
		return defaultFileSeconds
	}
	return secs
}
