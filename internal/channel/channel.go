// Package channel runs the per-frame event loop for one broadcast channel:
// it selects due events, routes them to their devices, and manages the
// single hold slot that gates a branch of the playlist behind an operator
// trigger.
package channel

import (
	"context"
	"time"

	"playd/internal/device"
	"playd/internal/eventbus"
	"playd/internal/playlist"
	logx "playd/pkg/logx"
)

// PreProcessor is a callback run immediately before an event dispatches.
// Registered by name at startup; events reference preprocessors by that name.
type PreProcessor func(ctx context.Context, ev playlist.Event, ch *Channel)

// HoldReleaseName is the built-in preprocessor that cleans up after a hold
// fires: remaining children are purged and later events are shunted back by
// the gap between the hold's nominal end and the actual release time.
const HoldReleaseName = "channel.hold_release"

type Channel struct {
	name      string
	store     *playlist.Store
	devices   *device.Registry
	bus       eventbus.Bus
	frameRate int

	log      logx.Logger
	deferLog *logx.Throttled

	// holdEvent is the id of the active hold, 0 when the channel runs free.
	// Only touched under the core lock (single tick writer).
	holdEvent int64

	preprocessors map[string]PreProcessor

	// now is replaceable in tests.
	now func() int64
}

func New(name string, store *playlist.Store, devices *device.Registry, bus eventbus.Bus, frameRate int, log logx.Logger) *Channel {
	if frameRate <= 0 {
		frameRate = 25
	}
	c := &Channel{
		name:          name,
		store:         store,
		devices:       devices,
		bus:           bus,
		frameRate:     frameRate,
		log:           log.With(logx.String("channel", name)),
		deferLog:      logx.NewThrottled(log.With(logx.String("channel", name)), 2),
		preprocessors: map[string]PreProcessor{},
		now:           func() int64 { return time.Now().Unix() },
	}
	c.preprocessors[HoldReleaseName] = holdRelease
	return c
}

// RegisterPreProcessor adds a named callback to the dispatch table.
// Later registrations win; unknown names at dispatch time are skipped.
func (c *Channel) RegisterPreProcessor(name string, fn PreProcessor) {
	if name == "" || fn == nil {
		return
	}
	c.preprocessors[name] = fn
}

// Store exposes the playlist for the event pipeline. The channel owns it.
func (c *Channel) Store() *playlist.Store { return c.store }

// Hold returns the currently held event id, 0 if none.
func (c *Channel) Hold() int64 { return c.holdEvent }

// FrameRate returns the channel's configured frames per second.
func (c *Channel) FrameRate() int { return c.frameRate }

// CreateEvent inserts a playlist event and returns its id.
func (c *Channel) CreateEvent(ctx context.Context, ev playlist.Event) (int64, error) {
	return c.store.Add(ctx, ev)
}

// Tick executes everything due this frame. Events under a hold that are not
// children of the hold are deferred, every tick, until the hold clears.
func (c *Channel) Tick(ctx context.Context) {
	now := c.now()

	hold, err := c.store.ActiveHold(ctx, now)
	if err != nil {
		c.log.Error("active hold query failed", logx.Err(err))
		return
	}
	c.holdEvent = hold

	events, err := c.store.EventsDue(ctx, playlist.EventFixed, now)
	if err != nil {
		c.log.Error("due events query failed", logx.Err(err))
		return
	}

	for _, ev := range events {
		if c.holdEvent == 0 || ev.ParentID == c.holdEvent {
			c.runEvent(ctx, ev)
		} else {
			c.deferLog.Info("event deferred by active hold",
				logx.Int64("event_id", ev.ID), logx.Int64("hold", c.holdEvent))
		}
	}
}

// ManualTrigger releases the active hold and fires its event. Triggering an
// id that is not the active hold is a warn-only no-op.
func (c *Channel) ManualTrigger(ctx context.Context, id int64) {
	if id != c.holdEvent {
		c.log.Warn("manual trigger for inactive hold, ignoring",
			logx.Int64("event_id", id), logx.Int64("hold", c.holdEvent))
		return
	}
	c.holdEvent = 0

	ev, err := c.store.Get(ctx, id)
	if err != nil {
		c.log.Error("held event vanished before trigger", logx.Int64("event_id", id), logx.Err(err))
		return
	}

	c.runPreProcessor(ctx, ev)

	if err := c.store.SetProcessed(ctx, id); err != nil {
		c.log.Error("failed to mark held event processed", logx.Int64("event_id", id), logx.Err(err))
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeHoldReleased, Data: id})
	}
}

func (c *Channel) runEvent(ctx context.Context, ev playlist.Event) {
	c.runPreProcessor(ctx, ev)

	dev, ok := c.devices.Get(ev.Device)
	if !ok && ev.DeviceKind != device.KindProcessor {
		c.log.Warn("device not found for event",
			logx.String("device", ev.Device), logx.Int64("event_id", ev.ID))
		c.markProcessed(ctx, ev.ID)
		return
	}

	if ev.DeviceKind != device.KindProcessor {
		err := dev.Dispatch(device.EventData{
			ID:        ev.ID,
			Action:    ev.Action,
			Duration:  ev.Duration,
			ExtraData: ev.ExtraData,
		})
		if err != nil {
			// Dispatch failures never retry: the schedule has moved on.
			c.log.Error("device dispatch failed",
				logx.String("device", ev.Device), logx.Int64("event_id", ev.ID), logx.Err(err))
		}
	}

	c.markProcessed(ctx, ev.ID)
}

func (c *Channel) runPreProcessor(ctx context.Context, ev playlist.Event) {
	if ev.PreProcessor == "" {
		return
	}
	fn, ok := c.preprocessors[ev.PreProcessor]
	if !ok {
		c.log.Warn("ignoring unknown preprocessor",
			logx.String("preprocessor", ev.PreProcessor), logx.Int64("event_id", ev.ID))
		return
	}
	fn(ctx, ev, c)
}

func (c *Channel) markProcessed(ctx context.Context, id int64) {
	if err := c.store.SetProcessed(ctx, id); err != nil {
		c.log.Error("failed to mark event processed", logx.Int64("event_id", id), logx.Err(err))
	}
}

// holdRelease purges whatever alternative programming was still queued under
// the hold, then shunts everything after the hold's nominal end backward by
// the time the operator actually took, so the rest of the schedule doesn't
// drift.
func holdRelease(ctx context.Context, ev playlist.Event, c *Channel) {
	children, err := c.store.ChildrenOf(ctx, ev.ID)
	if err != nil {
		c.log.Error("hold release: child query failed", logx.Int64("event_id", ev.ID), logx.Err(err))
		return
	}
	for _, child := range children {
		if err := c.store.Remove(ctx, child.ID); err != nil {
			c.log.Warn("hold release: failed to remove child",
				logx.Int64("event_id", child.ID), logx.Err(err))
		}
	}

	start := ev.End(c.frameRate)
	delta := c.now() - start
	if err := c.store.Shunt(ctx, start, delta); err != nil {
		c.log.Error("hold release: shunt failed",
			logx.Int64("from", start), logx.Int64("delta", delta), logx.Err(err))
	}
}
