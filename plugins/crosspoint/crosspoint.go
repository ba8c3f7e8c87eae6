// Package crosspoint is a demo vision mixer: a named set of ports and one
// live selection. Switches are logged, which is all a development channel
// needs to verify routing events fire at the right frame.
package crosspoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"playd/internal/device"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

const ActionSwitch = 0

type Config struct {
	// Ports are the selectable inputs, e.g. ["studio", "vt", "graphics"].
	Ports []string `json:"ports"`
	// Default is selected at startup; first port when empty.
	Default string `json:"default,omitempty"`
}

type Device struct {
	name    string
	log     logx.Logger
	devices *device.Registry
	ports   map[string]bool

	mu       sync.Mutex
	status   plugin.Status
	selected string
}

func Factory(devices *device.Registry, log logx.Logger) plugin.Factory {
	return func(_ context.Context, name string, raw json.RawMessage) (plugin.Instance, error) {
		var cfg Config
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("crosspoint config: %w", err)
			}
		}
		if len(cfg.Ports) == 0 {
			return nil, fmt.Errorf("crosspoint: at least one port is required")
		}
		ports := make(map[string]bool, len(cfg.Ports))
		for _, p := range cfg.Ports {
			ports[p] = true
		}
		selected := cfg.Default
		if selected == "" {
			selected = cfg.Ports[0]
		}
		if !ports[selected] {
			return nil, fmt.Errorf("crosspoint: default port %q not in ports", selected)
		}

		d := &Device{
			name:     name,
			log:      log.With(logx.String("plugin", name)),
			devices:  devices,
			ports:    ports,
			status:   plugin.StatusReady,
			selected: selected,
		}
		devices.Register(name, d)
		return d, nil
	}
}

func (d *Device) Name() string { return "crosspoint" }
func (d *Device) Type() string { return "crosspoint" }

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

func (d *Device) Kind() device.Kind { return device.KindCrosspoint }

func (d *Device) Actions() []device.ActionInfo {
	return []device.ActionInfo{{ID: ActionSwitch, Name: "switch"}}
}

// Selected reports the live port.
func (d *Device) Selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

func (d *Device) Dispatch(ev device.EventData) error {
	if ev.Action != ActionSwitch {
		return fmt.Errorf("%w: unknown action %d", device.ErrDispatch, ev.Action)
	}
	port := ev.ExtraData["port"]
	if !d.ports[port] {
		return fmt.Errorf("%w: no such port %q", device.ErrDispatch, port)
	}
	d.mu.Lock()
	prev := d.selected
	d.selected = port
	d.mu.Unlock()
	d.log.Info("switched", logx.String("from", prev), logx.String("to", port))
	return nil
}
