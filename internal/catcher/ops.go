package catcher

import (
	"context"
	"errors"
	"fmt"

	"playd/internal/device"
	"playd/internal/playlist"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

// removeEvent deletes the event and its whole subtree.
func (c *Core) removeEvent(ctx context.Context, act *Action) {
	if err := c.removeTree(ctx, act.EventID); err != nil {
		act.ReturnMessage = fmt.Sprintf("unable to remove event %d: %v", act.EventID, err)
		c.log.Warn("event removal failed", logx.Int64("event_id", act.EventID), logx.Err(err))
	}
}

func (c *Core) removeTree(ctx context.Context, id int64) error {
	children, err := c.ch.Store().ChildrenOf(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.removeTree(ctx, child.ID); err != nil {
			return err
		}
	}
	return c.ch.Store().Remove(ctx, id)
}

// editEvent replaces an event in place: the stored subtree goes, the edited
// request is processed as a fresh insertion under the same parent.
func (c *Core) editEvent(ctx context.Context, act *Action) {
	old, err := c.ch.Store().Get(ctx, act.EventID)
	if err != nil {
		act.ReturnMessage = fmt.Sprintf("unable to locate event %d to edit", act.EventID)
		c.log.Warn("edit target not found", logx.Int64("event_id", act.EventID))
		return
	}
	if err := c.removeTree(ctx, act.EventID); err != nil {
		act.ReturnMessage = fmt.Sprintf("unable to replace event %d: %v", act.EventID, err)
		return
	}
	id, err := c.ProcessEvent(ctx, act.Event, old.ParentID, act)
	if err == nil {
		act.EventID = id
	}
}

// shuntEvents shifts everything at or after Event.TriggerTime by
// Event.Duration, read here as seconds rather than frames.
func (c *Core) shuntEvents(ctx context.Context, act *Action) {
	if err := c.ch.Store().Shunt(ctx, act.Event.TriggerTime, act.Event.Duration); err != nil {
		act.ReturnMessage = fmt.Sprintf("shunt failed: %v", err)
		c.log.Error("playlist shunt failed",
			logx.Int64("from", act.Event.TriggerTime),
			logx.Int64("delta", act.Event.Duration), logx.Err(err))
	}
}

// regenerateEvent re-runs a processor-generated event: the stored subtree is
// converted back to request form, dropped, and fed through the processor
// again. Only processor events regenerate.
func (c *Core) regenerateEvent(ctx context.Context, act *Action) {
	stored, err := c.ch.Store().Get(ctx, act.EventID)
	if err != nil {
		act.ReturnMessage = fmt.Sprintf("unable to locate event %d to regenerate", act.EventID)
		return
	}
	if stored.DeviceKind != device.KindProcessor {
		act.ReturnMessage = fmt.Sprintf("event %d is not a processor event", act.EventID)
		c.log.Warn("regenerate refused for non-processor event",
			logx.Int64("event_id", act.EventID), logx.String("device", stored.Device))
		return
	}

	request, err := c.convertToEvent(ctx, stored)
	if err != nil {
		act.ReturnMessage = fmt.Sprintf("unable to reconstruct event %d: %v", act.EventID, err)
		return
	}
	if err := c.removeTree(ctx, act.EventID); err != nil {
		act.ReturnMessage = fmt.Sprintf("unable to clear event %d: %v", act.EventID, err)
		return
	}

	// The processor rebuilds its own children from scratch.
	request.Children = nil
	request.EventID = 0

	id, err := c.ProcessEvent(ctx, request, stored.ParentID, act)
	if err == nil {
		act.EventID = id
	}
}

// updatePlaylist answers a playlist query. ExtraData["range"] selects the
// window: "current" for executing events, "next" for the single upcoming
// event, otherwise TriggerTime/Duration bound a range.
func (c *Core) updatePlaylist(ctx context.Context, act *Action) {
	var (
		rows []playlist.Event
		err  error
	)
	switch act.Event.ExtraData["range"] {
	case "current":
		rows, err = c.ch.Store().ExecutingEvents(ctx, c.now())
	case "next":
		var next playlist.Event
		next, err = c.ch.Store().NextEvent(ctx, c.now())
		if errors.Is(err, playlist.ErrNotFound) {
			err = nil
		} else if err == nil {
			rows = []playlist.Event{next}
		}
	default:
		rows, err = c.ch.Store().EventsInRange(ctx, act.Event.TriggerTime, act.Event.Duration)
	}
	if err != nil {
		act.ReturnMessage = fmt.Sprintf("playlist query failed: %v", err)
		return
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev, err := c.convertToEvent(ctx, row)
		if err != nil {
			// Stale rows are skipped rather than failing the whole answer.
			continue
		}
		events = append(events, ev)
	}
	act.Source.UpdatePlaylist(events, act.AdditionalData)
}

func (c *Core) updateDevices(act *Action) {
	entries := c.devices.List()
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Kind.String()
	}
	act.Source.UpdateDevices(out, act.AdditionalData)
}

func (c *Core) updateDeviceActions(act *Action) {
	name := act.Event.Target
	d, ok := c.devices.Get(name)
	if !ok {
		act.ReturnMessage = fmt.Sprintf("device %s not found", name)
		return
	}
	act.Source.UpdateDeviceActions(name, d.Actions(), act.AdditionalData)
}

func (c *Core) updateDeviceFiles(act *Action) {
	name := act.Event.Target
	d, ok := c.devices.Get(name)
	if !ok {
		act.ReturnMessage = fmt.Sprintf("device %s not found", name)
		return
	}
	lister, ok := d.(device.FileLister)
	if !ok {
		act.ReturnMessage = fmt.Sprintf("device %s does not hold files", name)
		return
	}
	act.Source.UpdateFiles(name, lister.FileList(), act.AdditionalData)
}

// updateEventProcessors reports registered processors, dropping any that
// asked to unload.
func (c *Core) updateEventProcessors(act *Action) {
	out := make(map[string]ProcessorInfo, len(c.processors))
	for name, p := range c.processors {
		if p.Status() == plugin.StatusUnload {
			delete(c.processors, name)
			continue
		}
		out[name] = p.Info()
	}
	act.Source.UpdateEventProcessors(out, act.AdditionalData)
}
