// Package catcher converts external event requests into playlist events and
// answers queries against the playlist. All mutation funnels through a single
// action queue drained once per tick, so one bad request can never interleave
// with or stall another.
package catcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"playd/internal/channel"
	"playd/internal/device"
	"playd/internal/eventbus"
	"playd/internal/playlist"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

// defaultDurationSeconds replaces unparseable duration strings.
const defaultDurationSeconds = 10

type Core struct {
	ch        *channel.Channel
	devices   *device.Registry
	frameRate int
	log       logx.Logger
	bus       eventbus.Bus

	queue      *Queue
	processors map[string]Processor
	sources    []Source

	now func() int64
}

func NewCore(ch *channel.Channel, devices *device.Registry, bus eventbus.Bus, frameRate int, log logx.Logger) *Core {
	if frameRate <= 0 {
		frameRate = 25
	}
	return &Core{
		ch:         ch,
		devices:    devices,
		frameRate:  frameRate,
		log:        log,
		bus:        bus,
		queue:      NewQueue(),
		processors: map[string]Processor{},
		now:        func() int64 { return time.Now().Unix() },
	}
}

func (c *Core) Queue() *Queue  { return c.queue }
func (c *Core) FrameRate() int { return c.frameRate }

// RegisterProcessor adds an event processor under its instance name. A name
// colliding with a registered device is rejected; devices win name lookups,
// so the processor would be unreachable.
func (c *Core) RegisterProcessor(name string, p Processor) error {
	if c.devices.Has(name) {
		return fmt.Errorf("processor %q collides with a device name", name)
	}
	c.processors[name] = p
	return nil
}

func (c *Core) RemoveProcessor(name string) {
	delete(c.processors, name)
}

func (c *Core) RegisterSource(s Source) {
	c.sources = append(c.sources, s)
}

// SourceTicks runs every source's tick, then retires sources that asked to
// unload. A panicking source is logged and skipped, not fatal.
func (c *Core) SourceTicks(ctx context.Context) {
	for _, s := range c.sources {
		if s == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("source tick panicked",
						logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.Tick(ctx, c.queue)
		}()
	}

	kept := c.sources[:0]
	for _, s := range c.sources {
		if s != nil && s.Status() != plugin.StatusUnload {
			kept = append(kept, s)
		}
	}
	c.sources = kept
}

// DrainQueue processes every pending action once, in submission order.
// Failures set ReturnMessage and never block later entries.
func (c *Core) DrainQueue(ctx context.Context) {
	for _, act := range c.queue.snapshot() {
		if act.Processed {
			continue
		}
		c.runAction(ctx, act)
		act.Processed = true
	}
	c.queue.compact()
}

func (c *Core) runAction(ctx context.Context, act *Action) {
	defer func() {
		if r := recover(); r != nil {
			act.ReturnMessage = fmt.Sprintf("internal failure processing %s action", act.Kind)
			c.log.Error("action processing panicked",
				logx.String("action", act.Kind.String()),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		if act.ReturnMessage != "" && c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeActionFailed, Data: act.ReturnMessage})
		}
	}()

	switch act.Kind {
	case KindAdd:
		id, err := c.ProcessEvent(ctx, act.Event, 0, act)
		if err == nil {
			act.EventID = id
		}
	case KindRemove:
		c.removeEvent(ctx, act)
	case KindEdit:
		c.editEvent(ctx, act)
	case KindShunt:
		c.shuntEvents(ctx, act)
	case KindTrigger:
		c.ch.ManualTrigger(ctx, act.EventID)
	case KindRegenerate:
		c.regenerateEvent(ctx, act)
	case KindUpdatePlaylist:
		if act.Source != nil {
			c.updatePlaylist(ctx, act)
		}
	case KindUpdateDevices:
		if act.Source != nil {
			c.updateDevices(act)
		}
	case KindUpdateActions:
		if act.Source != nil {
			c.updateDeviceActions(act)
		}
	case KindUpdateProcessors:
		if act.Source != nil {
			c.updateEventProcessors(act)
		}
	case KindUpdateFiles:
		if act.Source != nil {
			c.updateDeviceFiles(act)
		}
	default:
		act.ReturnMessage = "unknown action kind"
		c.log.Warn("unknown action kind in queue", logx.Int("kind", int(act.Kind)))
	}
}

// ProcessEvent expands one incoming event request into persisted playlist
// events, recursing into children, and returns the id of the top-level
// insertion. parentID 0 means "no parent yet". The action receives failure
// messages for the originating source.
func (c *Core) ProcessEvent(ctx context.Context, ev Event, parentID int64, act *Action) (int64, error) {
	c.resolveDurationString(&ev)

	// Processors are only consulted for names that are not registered
	// devices. Manual events target nothing and skip both lookups.
	if !c.devices.Has(ev.Target) && ev.Type != EventManual {
		proc, ok := c.processors[ev.Target]
		if !ok {
			msg := fmt.Sprintf("device/processor %s not found", ev.Target)
			c.log.Warn("event for unknown target", logx.String("target", ev.Target))
			if act != nil {
				act.ReturnMessage = msg
			}
			return 0, fmt.Errorf("%w: %s", ErrUnknownTarget, ev.Target)
		}

		// Action indices don't apply to processors.
		original := ev
		original.Action = -1

		result, err := proc.HandleEvent(ctx, original)
		if err != nil {
			msg := fmt.Sprintf("processor %s rejected event: %v", ev.Target, err)
			c.log.Warn("processor rejected event", logx.String("processor", ev.Target), logx.Err(err))
			if act != nil {
				act.ReturnMessage = msg
			}
			return 0, err
		}
		// Children of a substituted event expand under the substitution.
		ev = result
	} else if parentID <= 0 && ev.Type != EventFixed {
		c.log.Warn("invalid event chain detected", logx.String("target", ev.Target))
		if act != nil {
			act.ReturnMessage = "invalid event chain"
		}
		return 0, ErrInvalidChain
	}

	plev, err := c.convertToPlaylistEvent(ctx, &ev, parentID)
	if err != nil {
		if act != nil && act.ReturnMessage == "" {
			act.ReturnMessage = err.Error()
		}
		return 0, err
	}

	id, err := c.ch.CreateEvent(ctx, plev)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	for _, child := range ev.Children {
		if child.Description == "" {
			child.Description = ev.Description
		}
		if _, err := c.ProcessEvent(ctx, child, id, act); err != nil {
			// Child failures are already reported on the action; the parent
			// and surviving siblings stand.
			c.log.Warn("child event rejected",
				logx.Int64("parent_id", id), logx.String("target", child.Target), logx.Err(err))
		}
	}

	return id, nil
}

// resolveDurationString turns ExtraData["duration"] (colon-separated, least
// to most significant: seconds, minutes, hours) into a frame count.
// Malformed input degrades to the 10-second default with a warning.
func (c *Core) resolveDurationString(ev *Event) {
	raw, ok := ev.ExtraData["duration"]
	if !ok {
		return
	}
	secs, err := ParseDurationString(raw)
	if err != nil {
		c.log.Warn("bad duration string, selecting 10s instead",
			logx.String("duration", raw))
		secs = defaultDurationSeconds
	}
	ev.Duration = secs * int64(c.frameRate)
	delete(ev.ExtraData, "duration")
}

// ParseDurationString parses up to three colon-separated fields as
// [[hours:]minutes:]seconds and returns whole seconds.
func ParseDurationString(raw string) (int64, error) {
	fields := strings.Split(strings.TrimSpace(raw), ":")
	if len(fields) > 3 {
		fields = fields[len(fields)-3:]
	}
	var total int64
	for _, f := range fields {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad duration %q", raw)
		}
		total = total*60 + n
	}
	return total, nil
}

// convertToPlaylistEvent resolves names to validated indices and produces
// the persistable form. Relative children are resolved against their
// parent's trigger before insertion.
func (c *Core) convertToPlaylistEvent(ctx context.Context, ev *Event, parentID int64) (playlist.Event, error) {
	var out playlist.Event

	if d, ok := c.devices.Get(ev.Target); ok && ev.Type != EventManual {
		out.DeviceKind = d.Kind()

		if ev.Action == -1 && ev.ActionName != "" {
			id, ok := device.ResolveAction(d, ev.ActionName)
			if !ok {
				c.log.Warn("action does not exist on device",
					logx.String("action", ev.ActionName), logx.String("device", ev.Target))
				return out, fmt.Errorf("%w: %s on %s", ErrUnknownAction, ev.ActionName, ev.Target)
			}
			ev.Action = id
		}
	} else if ev.Type != EventManual {
		if _, ok := c.processors[ev.Target]; !ok {
			return out, fmt.Errorf("%w: %s", ErrUnknownTarget, ev.Target)
		}
		out.DeviceKind = device.KindProcessor
	}

	trigger := ev.TriggerTime
	if ev.Type == EventRelative && parentID > 0 {
		parent, err := c.ch.Store().Get(ctx, parentID)
		if err != nil {
			return out, fmt.Errorf("resolve relative trigger: %w", err)
		}
		trigger = parent.TriggerTime + ev.TriggerTime
	}

	out.Device = ev.Target
	out.Duration = ev.Duration
	out.TriggerTime = trigger
	out.Action = ev.Action
	out.ActionName = ev.ActionName
	out.ExtraData = ev.ExtraData
	out.PreProcessor = ev.PreProcessor
	out.Description = ev.Description
	out.Type = playlist.EventType(ev.Type)
	if ev.Type == EventRelative {
		// The offset was resolved above, so the stored row is absolute.
		// The tick's due query only selects fixed rows.
		out.Type = playlist.EventFixed
	}
	if parentID > 0 {
		out.ParentID = parentID
	}
	return out, nil
}

// convertToEvent is the inverse: a stored event and its subtree become a
// response tree. Fails when the event references a device/processor that no
// longer exists (stale rows after an unload).
func (c *Core) convertToEvent(ctx context.Context, pl playlist.Event) (Event, error) {
	ev := Event{
		Target:       pl.Device,
		Duration:     pl.Duration,
		Type:         EventType(pl.Type),
		TriggerTime:  pl.TriggerTime,
		Action:       pl.Action,
		EventID:      pl.ID,
		PreProcessor: pl.PreProcessor,
		Description:  pl.Description,
		ExtraData:    pl.ExtraData,
	}

	if pl.Type != playlist.EventManual {
		d, isDevice := c.devices.Get(pl.Device)
		_, isProc := c.processors[pl.Device]
		if !isDevice && !isProc {
			c.log.Warn("stored event references unloaded device or processor",
				logx.String("device", pl.Device), logx.Int64("event_id", pl.ID))
			return Event{}, fmt.Errorf("%w: %s", ErrUnknownTarget, pl.Device)
		}
		if isDevice && pl.Action > -1 {
			if name := device.ActionName(d, pl.Action); name != "" {
				ev.ActionName = name
			} else {
				c.log.Warn("unable to locate action on device",
					logx.Int("action", pl.Action), logx.String("device", pl.Device))
			}
		}
	}

	children, err := c.ch.Store().ChildrenOf(ctx, pl.ID)
	if err != nil {
		return Event{}, err
	}
	for _, child := range children {
		cev, err := c.convertToEvent(ctx, child)
		if err != nil {
			return Event{}, err
		}
		ev.Children = append(ev.Children, cev)
	}
	return ev, nil
}
