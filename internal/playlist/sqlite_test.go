package playlist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playd/internal/device"
	logx "playd/pkg/logx"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", FrameRate: 25}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddGetRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	in := Event{
		Device:       "vt1",
		DeviceKind:   device.KindVideo,
		Type:         EventFixed,
		TriggerTime:  1000,
		Duration:     250,
		Action:       0,
		ActionName:   "play",
		Description:  "ident",
		PreProcessor: "channel.hold_release",
		ExtraData:    map[string]string{"filename": "ident_10.mov"},
	}
	id, err := s.Add(ctx, in)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	out, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, out.ID)
	assert.Equal(t, in.Device, out.Device)
	assert.Equal(t, in.DeviceKind, out.DeviceKind)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.TriggerTime, out.TriggerTime)
	assert.Equal(t, in.Duration, out.Duration)
	assert.Equal(t, in.ActionName, out.ActionName)
	assert.Equal(t, in.PreProcessor, out.PreProcessor)
	assert.Equal(t, "ident_10.mov", out.ExtraData["filename"])
	assert.False(t, out.Processed)
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsDueOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Insert out of trigger order; same trigger breaks ties by id.
	ids := make([]int64, 0, 4)
	for _, trig := range []int64{300, 100, 100, 200} {
		id, err := s.Add(ctx, Event{Device: "vt1", Type: EventFixed, TriggerTime: trig})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	due, err := s.EventsDue(ctx, EventFixed, 250)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, ids[1], due[0].ID)
	assert.Equal(t, ids[2], due[1].ID)
	assert.Equal(t, ids[3], due[2].ID)

	// Processed events drop out.
	require.NoError(t, s.SetProcessed(ctx, ids[1]))
	due, err = s.EventsDue(ctx, EventFixed, 250)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, ids[2], due[0].ID)
}

func TestEventsDueFiltersKind(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, Event{Device: "vt1", Type: EventManual, TriggerTime: 100})
	require.NoError(t, err)
	fixed, err := s.Add(ctx, Event{Device: "vt1", Type: EventFixed, TriggerTime: 100})
	require.NoError(t, err)

	due, err := s.EventsDue(ctx, EventFixed, 200)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, fixed, due[0].ID)
}

func TestShuntRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	before, err := s.Add(ctx, Event{Device: "vt1", Type: EventFixed, TriggerTime: 100})
	require.NoError(t, err)
	after1, err := s.Add(ctx, Event{Device: "vt1", Type: EventFixed, TriggerTime: 200})
	require.NoError(t, err)
	after2, err := s.Add(ctx, Event{Device: "vt1", Type: EventFixed, TriggerTime: 300})
	require.NoError(t, err)

	require.NoError(t, s.Shunt(ctx, 200, 45))

	ev, err := s.Get(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, int64(100), ev.TriggerTime)
	ev, err = s.Get(ctx, after1)
	require.NoError(t, err)
	assert.Equal(t, int64(245), ev.TriggerTime)
	ev, err = s.Get(ctx, after2)
	require.NoError(t, err)
	assert.Equal(t, int64(345), ev.TriggerTime)

	// Shunting back by the same delta restores the schedule.
	require.NoError(t, s.Shunt(ctx, 245, -45))
	ev, err = s.Get(ctx, after1)
	require.NoError(t, err)
	assert.Equal(t, int64(200), ev.TriggerTime)
}

func TestNextEventEmpty(t *testing.T) {
	s := testStore(t)
	_, err := s.NextEvent(context.Background(), 1000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutingEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// 10 seconds at 25fps, running from t=100 to t=110.
	id, err := s.Add(ctx, Event{Device: "vt1", Type: EventFixed, TriggerTime: 100, Duration: 250})
	require.NoError(t, err)

	rows, err := s.ExecutingEvents(ctx, 105)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)

	rows, err = s.ExecutingEvents(ctx, 110)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.ExecutingEvents(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExecutingEventsSubSecond(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// 10 frames at 25fps rounds up to a one second window.
	id, err := s.Add(ctx, Event{Device: "vt1", Type: EventFixed, TriggerTime: 100, Duration: 10})
	require.NoError(t, err)

	rows, err := s.ExecutingEvents(ctx, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)

	rows, err = s.ExecutingEvents(ctx, 101)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestActiveHold(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	hold, err := s.ActiveHold(ctx, 500)
	require.NoError(t, err)
	assert.Zero(t, hold)

	id, err := s.Add(ctx, Event{Device: "hold", Type: EventManual, TriggerTime: 400})
	require.NoError(t, err)

	hold, err = s.ActiveHold(ctx, 399)
	require.NoError(t, err)
	assert.Zero(t, hold)

	hold, err = s.ActiveHold(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, id, hold)

	require.NoError(t, s.SetProcessed(ctx, id))
	hold, err = s.ActiveHold(ctx, 500)
	require.NoError(t, err)
	assert.Zero(t, hold)
}

func TestChildrenOf(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	parent, err := s.Add(ctx, Event{Device: "proc", Type: EventFixed, TriggerTime: 100})
	require.NoError(t, err)
	c1, err := s.Add(ctx, Event{Device: "vt1", Type: EventRelative, TriggerTime: 100, ParentID: parent})
	require.NoError(t, err)
	c2, err := s.Add(ctx, Event{Device: "vt1", Type: EventRelative, TriggerTime: 110, ParentID: parent})
	require.NoError(t, err)

	children, err := s.ChildrenOf(ctx, parent)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, c1, children[0].ID)
	assert.Equal(t, c2, children[1].ID)
}

func TestRemoveMissing(t *testing.T) {
	s := testStore(t)
	err := s.Remove(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPluginTable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPlugin(ctx, PluginRow{
		Instance: "vt1", Plugin: "videodemo", Type: "videodemo", Status: "starting",
	}))
	require.NoError(t, s.UpsertPlugin(ctx, PluginRow{
		Instance: "vt1", Plugin: "videodemo", Type: "videodemo", Status: "ready",
	}))

	rows, err := s.ListPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ready", rows[0].Status)

	require.NoError(t, s.RemovePlugin(ctx, "vt1"))
	rows, err = s.ListPlugins(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
