package catcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playd/internal/channel"
	"playd/internal/device"
	"playd/internal/playlist"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

type fakeDevice struct {
	mu         sync.Mutex
	dispatched []device.EventData
}

func (f *fakeDevice) Kind() device.Kind { return device.KindVideo }

func (f *fakeDevice) Actions() []device.ActionInfo {
	return []device.ActionInfo{
		{ID: 0, Name: "play"},
		{ID: 1, Name: "load"},
		{ID: 2, Name: "stop"},
	}
}

func (f *fakeDevice) Dispatch(ev device.EventData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, ev)
	return nil
}

func (f *fakeDevice) FileList() []device.FileInfo {
	return []device.FileInfo{{Name: "ident_10.mov", Duration: 250}}
}

type fakeProcessor struct {
	handle func(Event) (Event, error)
	status plugin.Status
}

func (f *fakeProcessor) HandleEvent(_ context.Context, ev Event) (Event, error) {
	return f.handle(ev)
}

func (f *fakeProcessor) Info() ProcessorInfo {
	return ProcessorInfo{Description: "test processor"}
}

func (f *fakeProcessor) Status() plugin.Status { return f.status }

type fakeSource struct {
	playlists  [][]Event
	deviceMaps []map[string]string
	files      []device.FileInfo
	procs      map[string]ProcessorInfo
}

func (f *fakeSource) Tick(context.Context, *Queue) {}
func (f *fakeSource) Status() plugin.Status        { return plugin.StatusReady }

func (f *fakeSource) UpdatePlaylist(events []Event, _ any) {
	f.playlists = append(f.playlists, events)
}

func (f *fakeSource) UpdateDevices(devices map[string]string, _ any) {
	f.deviceMaps = append(f.deviceMaps, devices)
}

func (f *fakeSource) UpdateDeviceActions(string, []device.ActionInfo, any) {}

func (f *fakeSource) UpdateFiles(_ string, files []device.FileInfo, _ any) {
	f.files = files
}

func (f *fakeSource) UpdateEventProcessors(procs map[string]ProcessorInfo, _ any) {
	f.procs = procs
}

func testCore(t *testing.T) (*Core, *fakeDevice) {
	t.Helper()
	store, err := playlist.Open(playlist.Config{Path: ":memory:", FrameRate: 25}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := device.NewRegistry()
	dev := &fakeDevice{}
	reg.Register("vt1", dev)

	ch := channel.New("test", store, reg, nil, 25, logx.Nop())
	return NewCore(ch, reg, nil, 25, logx.Nop()), dev
}

func TestParseDurationString(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"90", 90, true},
		{"1:30", 90, true},
		{"1:00:00", 3600, true},
		{"0:05", 5, true},
		{" 2 : 05 ", 125, true},
		{"", 0, false},
		{"abc", 0, false},
		{"1:-30", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDurationString(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestProcessEventResolvesDurationString(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	id, err := c.ProcessEvent(ctx, Event{
		Target: "vt1", Type: EventFixed, TriggerTime: 1000,
		Action: -1, ActionName: "play",
		ExtraData: map[string]string{"duration": "1:30", "filename": "a.mov"},
	}, 0, nil)
	require.NoError(t, err)

	ev, err := c.ch.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(90*25), ev.Duration)
	assert.Equal(t, "a.mov", ev.ExtraData["filename"])
	_, parsed := ev.ExtraData["duration"]
	assert.False(t, parsed, "duration string must be consumed")
}

func TestProcessEventBadDurationDefaultsToTenSeconds(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	id, err := c.ProcessEvent(ctx, Event{
		Target: "vt1", Type: EventFixed, TriggerTime: 1000,
		Action: -1, ActionName: "play",
		ExtraData: map[string]string{"duration": "pt30s"},
	}, 0, nil)
	require.NoError(t, err)

	ev, err := c.ch.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10*25), ev.Duration)
}

func TestProcessEventRecursion(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	id, err := c.ProcessEvent(ctx, Event{
		Target: "vt1", Type: EventFixed, TriggerTime: 1000, Duration: 250,
		Action: -1, ActionName: "load", Description: "feature",
		Children: []Event{
			{
				Target: "vt1", Type: EventRelative, TriggerTime: 10,
				Action: -1, ActionName: "play",
				Children: []Event{
					{
						Target: "vt1", Type: EventRelative, TriggerTime: 5,
						Action: -1, ActionName: "stop",
					},
				},
			},
		},
	}, 0, nil)
	require.NoError(t, err)

	parent, err := c.ch.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), parent.TriggerTime)

	children, err := c.ch.Store().ChildrenOf(ctx, id)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, int64(1010), child.TriggerTime, "relative child resolves against parent")
	assert.Equal(t, playlist.EventFixed, child.Type, "resolved child stored as fixed")
	assert.Equal(t, "feature", child.Description, "description inherited")
	assert.Equal(t, 0, child.Action, "play resolved to index")

	grandchildren, err := c.ch.Store().ChildrenOf(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, grandchildren, 1)
	assert.Equal(t, int64(1015), grandchildren[0].TriggerTime)
	assert.Equal(t, 2, grandchildren[0].Action)
}

func TestResolvedChildrenDispatchOnTick(t *testing.T) {
	c, dev := testCore(t)
	ctx := context.Background()

	past := time.Now().Unix() - 100
	id, err := c.ProcessEvent(ctx, Event{
		Target: "vt1", Type: EventFixed, TriggerTime: past, Duration: 250,
		Action: -1, ActionName: "load",
		Children: []Event{
			{
				Target: "vt1", Type: EventRelative, TriggerTime: 10,
				Action: -1, ActionName: "play",
			},
		},
	}, 0, nil)
	require.NoError(t, err)

	c.ch.Tick(ctx)

	dev.mu.Lock()
	got := len(dev.dispatched)
	dev.mu.Unlock()
	require.Equal(t, 2, got, "parent and child both dispatch")

	parent, err := c.ch.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, parent.Processed)
	children, err := c.ch.Store().ChildrenOf(ctx, id)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.True(t, children[0].Processed)
}

func TestProcessEventUnknownTarget(t *testing.T) {
	c, _ := testCore(t)

	act := &Action{}
	_, err := c.ProcessEvent(context.Background(), Event{
		Target: "nothere", Type: EventFixed, TriggerTime: 1000,
	}, 0, act)
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.NotEmpty(t, act.ReturnMessage)
}

func TestProcessEventUnknownAction(t *testing.T) {
	c, _ := testCore(t)

	_, err := c.ProcessEvent(context.Background(), Event{
		Target: "vt1", Type: EventFixed, TriggerTime: 1000,
		Action: -1, ActionName: "explode",
	}, 0, nil)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestProcessEventInvalidChain(t *testing.T) {
	c, _ := testCore(t)

	// A top-level relative event has nothing to resolve against.
	_, err := c.ProcessEvent(context.Background(), Event{
		Target: "vt1", Type: EventRelative, TriggerTime: 10,
	}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidChain)

	// Same for a top-level manual hold.
	_, err = c.ProcessEvent(context.Background(), Event{
		Target: "hold", Type: EventManual, TriggerTime: 1000,
	}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidChain)
}

func TestProcessorSubstitution(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	var sawAction int
	proc := &fakeProcessor{
		status: plugin.StatusReady,
		handle: func(ev Event) (Event, error) {
			sawAction = ev.Action
			out := ev
			out.Children = []Event{
				{
					Target: "vt1", Type: EventRelative, TriggerTime: 0,
					Duration: 250, Action: -1, ActionName: "play",
					ExtraData: map[string]string{"filename": "ident_10.mov"},
				},
			}
			return out, nil
		},
	}
	require.NoError(t, c.RegisterProcessor("filler", proc))

	id, err := c.ProcessEvent(ctx, Event{
		Target: "filler", Type: EventFixed, TriggerTime: 1000, Duration: 250,
		Action: 7, Description: "gap",
	}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, sawAction, "action index is meaningless to processors")

	parent, err := c.ch.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, device.KindProcessor, parent.DeviceKind)

	children, err := c.ch.Store().ChildrenOf(ctx, id)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "vt1", children[0].Device)
}

func TestProcessorRejectionFailsEvent(t *testing.T) {
	c, _ := testCore(t)

	proc := &fakeProcessor{
		status: plugin.StatusReady,
		handle: func(Event) (Event, error) {
			return Event{}, errors.New("no content")
		},
	}
	require.NoError(t, c.RegisterProcessor("filler", proc))

	act := &Action{}
	_, err := c.ProcessEvent(context.Background(), Event{
		Target: "filler", Type: EventFixed, TriggerTime: 1000,
	}, 0, act)
	assert.Error(t, err)
	assert.Contains(t, act.ReturnMessage, "no content")
}

func TestRegisterProcessorNameCollision(t *testing.T) {
	c, _ := testCore(t)
	err := c.RegisterProcessor("vt1", &fakeProcessor{status: plugin.StatusReady})
	assert.Error(t, err)
}

func TestDrainQueueFaultIsolation(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	acts := make([]*Action, 0, 5)
	for i := 0; i < 5; i++ {
		target := "vt1"
		if i == 2 {
			target = "nothere"
		}
		acts = append(acts, c.queue.Push(&Action{
			Kind: KindAdd,
			Event: Event{
				Target: target, Type: EventFixed,
				TriggerTime: int64(1000 + i), Action: -1, ActionName: "play",
			},
		}))
	}

	c.DrainQueue(ctx)

	for i, act := range acts {
		assert.True(t, act.Processed, "action %d", i)
		if i == 2 {
			assert.NotEmpty(t, act.ReturnMessage)
			assert.Zero(t, act.EventID)
		} else {
			assert.Empty(t, act.ReturnMessage)
			assert.NotZero(t, act.EventID)
		}
	}
	assert.Zero(t, c.queue.Len(), "drained queue compacts")
}

func TestDrainQueueRemoveAndEdit(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	id, err := c.ProcessEvent(ctx, Event{
		Target: "vt1", Type: EventFixed, TriggerTime: 1000,
		Action: -1, ActionName: "play",
		Children: []Event{
			{Target: "vt1", Type: EventRelative, TriggerTime: 5, Action: -1, ActionName: "stop"},
		},
	}, 0, nil)
	require.NoError(t, err)

	edit := c.queue.Push(&Action{
		Kind:    KindEdit,
		EventID: id,
		Event: Event{
			Target: "vt1", Type: EventFixed, TriggerTime: 2000,
			Action: -1, ActionName: "play",
		},
	})
	c.DrainQueue(ctx)
	require.Empty(t, edit.ReturnMessage)
	require.NotZero(t, edit.EventID)

	// The old tree is gone, the replacement is in.
	_, err = c.ch.Store().Get(ctx, id)
	assert.ErrorIs(t, err, playlist.ErrNotFound)
	ev, err := c.ch.Store().Get(ctx, edit.EventID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), ev.TriggerTime)

	remove := c.queue.Push(&Action{Kind: KindRemove, EventID: edit.EventID})
	c.DrainQueue(ctx)
	assert.Empty(t, remove.ReturnMessage)
	_, err = c.ch.Store().Get(ctx, edit.EventID)
	assert.ErrorIs(t, err, playlist.ErrNotFound)
}

func TestRegenerateRejectsNonProcessorEvents(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	id, err := c.ProcessEvent(ctx, Event{
		Target: "vt1", Type: EventFixed, TriggerTime: 1000,
		Action: -1, ActionName: "play",
	}, 0, nil)
	require.NoError(t, err)

	act := c.queue.Push(&Action{Kind: KindRegenerate, EventID: id})
	c.DrainQueue(ctx)
	assert.Contains(t, act.ReturnMessage, "not a processor event")
}

func TestRegenerateReexpandsProcessorEvent(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	calls := 0
	proc := &fakeProcessor{
		status: plugin.StatusReady,
		handle: func(ev Event) (Event, error) {
			calls++
			out := ev
			out.Children = []Event{
				{
					Target: "vt1", Type: EventRelative, TriggerTime: int64(calls),
					Duration: 250, Action: -1, ActionName: "play",
				},
			}
			return out, nil
		},
	}
	require.NoError(t, c.RegisterProcessor("filler", proc))

	id, err := c.ProcessEvent(ctx, Event{
		Target: "filler", Type: EventFixed, TriggerTime: 1000, Duration: 250,
	}, 0, nil)
	require.NoError(t, err)

	act := c.queue.Push(&Action{Kind: KindRegenerate, EventID: id})
	c.DrainQueue(ctx)
	require.Empty(t, act.ReturnMessage)
	assert.Equal(t, 2, calls)

	_, err = c.ch.Store().Get(ctx, id)
	assert.ErrorIs(t, err, playlist.ErrNotFound, "old tree replaced")

	children, err := c.ch.Store().ChildrenOf(ctx, act.EventID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, int64(1002), children[0].TriggerTime, "second expansion's offset")
}

func TestUpdatePlaylistQueries(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()
	c.now = func() int64 { return 1000 }

	// Executing at t=1000 (995..1005), and one upcoming at 1100.
	_, err := c.ProcessEvent(ctx, Event{
		Target: "vt1", Type: EventFixed, TriggerTime: 995, Duration: 250,
		Action: -1, ActionName: "play", Description: "on air",
	}, 0, nil)
	require.NoError(t, err)
	_, err = c.ProcessEvent(ctx, Event{
		Target: "vt1", Type: EventFixed, TriggerTime: 1100, Duration: 250,
		Action: -1, ActionName: "play", Description: "up next",
	}, 0, nil)
	require.NoError(t, err)

	src := &fakeSource{}
	c.queue.Push(&Action{
		Kind: KindUpdatePlaylist, Source: src,
		Event: Event{ExtraData: map[string]string{"range": "current"}},
	})
	c.queue.Push(&Action{
		Kind: KindUpdatePlaylist, Source: src,
		Event: Event{ExtraData: map[string]string{"range": "next"}},
	})
	c.queue.Push(&Action{
		Kind: KindUpdatePlaylist, Source: src,
		Event: Event{TriggerTime: 0, Duration: 5000},
	})
	c.DrainQueue(ctx)

	require.Len(t, src.playlists, 3)
	require.Len(t, src.playlists[0], 1)
	assert.Equal(t, "on air", src.playlists[0][0].Description)
	require.Len(t, src.playlists[1], 1)
	assert.Equal(t, "up next", src.playlists[1][0].Description)
	assert.Len(t, src.playlists[2], 2)
}

func TestUpdatePlaylistNextEmptyIsNotFailure(t *testing.T) {
	c, _ := testCore(t)
	c.now = func() int64 { return 1000 }

	src := &fakeSource{}
	act := c.queue.Push(&Action{
		Kind: KindUpdatePlaylist, Source: src,
		Event: Event{ExtraData: map[string]string{"range": "next"}},
	})
	c.DrainQueue(context.Background())

	assert.Empty(t, act.ReturnMessage)
	require.Len(t, src.playlists, 1)
	assert.Empty(t, src.playlists[0])
}

func TestDeviceAndFileQueries(t *testing.T) {
	c, _ := testCore(t)
	ctx := context.Background()

	src := &fakeSource{}
	c.queue.Push(&Action{Kind: KindUpdateDevices, Source: src})
	c.queue.Push(&Action{Kind: KindUpdateFiles, Source: src, Event: Event{Target: "vt1"}})
	c.queue.Push(&Action{Kind: KindUpdateProcessors, Source: src})
	c.DrainQueue(ctx)

	require.Len(t, src.deviceMaps, 1)
	assert.Equal(t, "video", src.deviceMaps[0]["vt1"])
	require.Len(t, src.files, 1)
	assert.Equal(t, "ident_10.mov", src.files[0].Name)
	assert.Empty(t, src.procs)
}

func TestSourceTicksPurgesUnloaded(t *testing.T) {
	c, _ := testCore(t)

	live := &fakeSource{}
	c.RegisterSource(live)
	c.RegisterSource(&unloadedSource{})
	c.SourceTicks(context.Background())

	require.Len(t, c.sources, 1)
	assert.Same(t, live, c.sources[0].(*fakeSource))
}

type unloadedSource struct{ fakeSource }

func (*unloadedSource) Status() plugin.Status { return plugin.StatusUnload }
