// Package live is an event processor that expands a "live show" request
// into the events a live broadcast needs: a VT clock leading in, the
// crosspoint cut to the studio, now/next graphics, and a hold at the
// planned end so an overrunning show pushes the rest of the schedule
// instead of being cut off.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"playd/internal/catcher"
	"playd/internal/channel"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

type Config struct {
	// CrosspointDevice/CrosspointPort select the studio feed.
	CrosspointDevice string `json:"crosspoint_device"`
	CrosspointPort   string `json:"crosspoint_port"`

	// ClockDevice/ClockFile play a VT clock for the seconds before the
	// show starts. Optional.
	ClockDevice  string `json:"clock_device,omitempty"`
	ClockFile    string `json:"clock_file,omitempty"`
	ClockSeconds int64  `json:"clock_seconds,omitempty"`

	// GraphicsDevice shows a now/next strap at the top of the show.
	// Optional.
	GraphicsDevice   string `json:"graphics_device,omitempty"`
	GraphicsTemplate string `json:"graphics_template,omitempty"`
}

type Processor struct {
	name string
	log  logx.Logger
	core *catcher.Core
	cfg  Config

	mu     sync.Mutex
	status plugin.Status
}

func Factory(core *catcher.Core, log logx.Logger) plugin.Factory {
	return func(_ context.Context, name string, raw json.RawMessage) (plugin.Instance, error) {
		var cfg Config
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("live config: %w", err)
			}
		}
		if strings.TrimSpace(cfg.CrosspointDevice) == "" || strings.TrimSpace(cfg.CrosspointPort) == "" {
			return nil, fmt.Errorf("live: crosspoint_device and crosspoint_port are required")
		}

		p := &Processor{
			name:   name,
			log:    log.With(logx.String("plugin", name)),
			core:   core,
			cfg:    cfg,
			status: plugin.StatusReady,
		}
		if err := core.RegisterProcessor(name, p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

func (p *Processor) Name() string { return "live" }
func (p *Processor) Type() string { return "live" }

func (p *Processor) Status() plugin.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Processor) Shutdown(_ context.Context) {
	p.core.RemoveProcessor(p.name)
	p.mu.Lock()
	p.status = plugin.StatusUnload
	p.mu.Unlock()
}

func (p *Processor) Info() catcher.ProcessorInfo {
	return catcher.ProcessorInfo{
		Description: "expands a live show into cut, graphics, clock and end-of-show hold",
		Params: map[string]string{
			"duration": "planned show length",
		},
	}
}

// HandleEvent keeps the request as the parent and attaches the standard
// live-show children. The hold sits at the planned end: if the show is
// still running when it comes due, following events wait for the operator,
// whose trigger shunts the overrun through the rest of the schedule.
func (p *Processor) HandleEvent(_ context.Context, original catcher.Event) (catcher.Event, error) {
	if original.Duration <= 0 {
		return catcher.Event{}, fmt.Errorf("live show needs a duration")
	}

	frameRate := int64(p.core.FrameRate())
	plannedSeconds := original.Duration / frameRate

	out := original
	out.Children = nil

	if p.cfg.ClockDevice != "" && p.cfg.ClockSeconds > 0 {
		out.Children = append(out.Children, catcher.Event{
			Target:      p.cfg.ClockDevice,
			Type:        catcher.EventRelative,
			TriggerTime: -p.cfg.ClockSeconds,
			Duration:    p.cfg.ClockSeconds * frameRate,
			Action:      -1,
			ActionName:  "play",
			Description: original.Description,
			ExtraData:   map[string]string{"filename": p.cfg.ClockFile},
		})
	}

	out.Children = append(out.Children, catcher.Event{
		Target:      p.cfg.CrosspointDevice,
		Type:        catcher.EventRelative,
		TriggerTime: 0,
		Duration:    frameRate,
		Action:      -1,
		ActionName:  "switch",
		Description: original.Description,
		ExtraData:   map[string]string{"port": p.cfg.CrosspointPort},
	})

	if p.cfg.GraphicsDevice != "" {
		out.Children = append(out.Children, catcher.Event{
			Target:      p.cfg.GraphicsDevice,
			Type:        catcher.EventRelative,
			TriggerTime: 0,
			Duration:    10 * frameRate,
			Action:      -1,
			ActionName:  "show",
			Description: original.Description,
			ExtraData: map[string]string{
				"template": p.cfg.GraphicsTemplate,
				"now":      original.Description,
			},
		})
	}

	out.Children = append(out.Children, catcher.Event{
		Target:       "hold",
		Type:         catcher.EventManual,
		TriggerTime:  original.TriggerTime + plannedSeconds,
		Duration:     0,
		Action:       -1,
		PreProcessor: channel.HoldReleaseName,
		Description:  "end of " + original.Description,
	})

	p.log.Info("live show expanded",
		logx.String("show", original.Description),
		logx.Int64("planned_seconds", plannedSeconds))
	return out, nil
}
