// Package fill is an event processor that packs schedule gaps with idents
// and continuity from a video device's media list. Rotation state lives in
// its own sqlite table so restarts don't replay the same items.
package fill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"playd/internal/catcher"
	"playd/internal/device"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

type Config struct {
	// Device is the video device whose media list fills the gap.
	Device string `json:"device"`
	// Database holds rotation counters. ":memory:" is accepted.
	Database string `json:"database"`
	// Weights bias selection per filename; unlisted files weigh 1.
	Weights map[string]int `json:"weights,omitempty"`
}

type Processor struct {
	name    string
	log     logx.Logger
	core    *catcher.Core
	devices *device.Registry
	cfg     Config
	db      *sql.DB

	mu     sync.Mutex
	status plugin.Status
}

func Factory(core *catcher.Core, devices *device.Registry, log logx.Logger) plugin.Factory {
	return func(ctx context.Context, name string, raw json.RawMessage) (plugin.Instance, error) {
		var cfg Config
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("fill config: %w", err)
			}
		}
		if strings.TrimSpace(cfg.Device) == "" {
			return nil, fmt.Errorf("fill: device is required")
		}
		if strings.TrimSpace(cfg.Database) == "" {
			return nil, fmt.Errorf("fill: database is required")
		}

		db, err := sql.Open("sqlite", cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("fill: open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS fill_rotation (
				filename   TEXT PRIMARY KEY,
				play_count INTEGER NOT NULL DEFAULT 0
			)`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("fill: migrate: %w", err)
		}

		p := &Processor{
			name:    name,
			log:     log.With(logx.String("plugin", name)),
			core:    core,
			devices: devices,
			cfg:     cfg,
			db:      db,
			status:  plugin.StatusReady,
		}
		if err := core.RegisterProcessor(name, p); err != nil {
			_ = db.Close()
			return nil, err
		}
		return p, nil
	}
}

func (p *Processor) Name() string { return "fill" }
func (p *Processor) Type() string { return "fill" }

func (p *Processor) Status() plugin.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Processor) Shutdown(_ context.Context) {
	p.core.RemoveProcessor(p.name)
	if err := p.db.Close(); err != nil {
		p.log.Warn("rotation database close failed", logx.Err(err))
	}
	p.mu.Lock()
	p.status = plugin.StatusUnload
	p.mu.Unlock()
}

func (p *Processor) Info() catcher.ProcessorInfo {
	return catcher.ProcessorInfo{
		Description: "fills a gap with rotated content from a video device",
		Params: map[string]string{
			"duration": "length of the gap to fill",
		},
	}
}

// HandleEvent packs the gap given by the original event's duration. The
// returned event keeps the processor as its target; the children are play
// events on the configured device, offset so each starts as the previous
// ends. Gaps that no remaining file fits are left short rather than overrun.
func (p *Processor) HandleEvent(ctx context.Context, original catcher.Event) (catcher.Event, error) {
	d, ok := p.devices.Get(p.cfg.Device)
	if !ok {
		return catcher.Event{}, fmt.Errorf("fill device %q not registered", p.cfg.Device)
	}
	lister, ok := d.(device.FileLister)
	if !ok {
		return catcher.Event{}, fmt.Errorf("fill device %q holds no files", p.cfg.Device)
	}
	files := lister.FileList()
	if len(files) == 0 {
		return catcher.Event{}, fmt.Errorf("fill device %q has an empty media list", p.cfg.Device)
	}

	frameRate := p.core.FrameRate()
	remaining := original.Duration
	var offsetSeconds int64

	out := original
	out.Children = nil

	for remaining > 0 {
		pick, ok := p.pickNext(ctx, files, remaining)
		if !ok {
			break
		}
		out.Children = append(out.Children, catcher.Event{
			Target:      p.cfg.Device,
			Type:        catcher.EventRelative,
			TriggerTime: offsetSeconds,
			Duration:    pick.Duration,
			Action:      -1,
			ActionName:  "play",
			Description: original.Description,
			ExtraData:   map[string]string{"filename": pick.Name},
		})
		remaining -= pick.Duration
		offsetSeconds += pick.Duration / int64(frameRate)
	}

	if len(out.Children) == 0 {
		return catcher.Event{}, fmt.Errorf("no file fits a %d frame gap", original.Duration)
	}
	if remaining > 0 {
		p.log.Warn("gap not fully filled",
			logx.Int64("gap_frames", original.Duration),
			logx.Int64("short_frames", remaining))
	}
	return out, nil
}

// pickNext selects the least-played file that fits, weight breaking ties,
// and charges its rotation counter.
func (p *Processor) pickNext(ctx context.Context, files []device.FileInfo, maxFrames int64) (device.FileInfo, bool) {
	best := -1
	bestScore := int64(0)
	for i, f := range files {
		if f.Duration <= 0 || f.Duration > maxFrames {
			continue
		}
		score := p.score(ctx, f.Name)
		if best == -1 || score < bestScore {
			best, bestScore = i, score
		}
	}
	if best == -1 {
		return device.FileInfo{}, false
	}

	pick := files[best]
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO fill_rotation (filename, play_count) VALUES (?, 1)
		ON CONFLICT(filename) DO UPDATE SET play_count = play_count + 1`,
		pick.Name); err != nil {
		p.log.Warn("rotation update failed", logx.String("file", pick.Name), logx.Err(err))
	}
	return pick, true
}

// score is play_count scaled down by weight; lower plays sooner.
func (p *Processor) score(ctx context.Context, filename string) int64 {
	var plays int64
	err := p.db.QueryRowContext(ctx,
		`SELECT play_count FROM fill_rotation WHERE filename = ?`, filename).Scan(&plays)
	if err != nil && err != sql.ErrNoRows {
		p.log.Warn("rotation lookup failed", logx.String("file", filename), logx.Err(err))
	}
	weight := p.cfg.Weights[filename]
	if weight <= 0 {
		weight = 1
	}
	return plays * 100 / int64(weight)
}
