package live

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playd/internal/catcher"
	"playd/internal/channel"
	logx "playd/pkg/logx"
)

func testProcessor(cfg Config) *Processor {
	return &Processor{
		name: "live",
		log:  logx.Nop(),
		core: catcher.NewCore(nil, nil, nil, 25, logx.Nop()),
		cfg:  cfg,
	}
}

func TestHandleEventMinimal(t *testing.T) {
	p := testProcessor(Config{
		CrosspointDevice: "mixer",
		CrosspointPort:   "studio",
	})

	// A 30 minute show starting at t=1000.
	out, err := p.HandleEvent(context.Background(), catcher.Event{
		Target: "live", Type: catcher.EventFixed,
		TriggerTime: 1000, Duration: 1800 * 25, Description: "the late show",
	})
	require.NoError(t, err)
	require.Len(t, out.Children, 2)

	cut := out.Children[0]
	assert.Equal(t, "mixer", cut.Target)
	assert.Equal(t, catcher.EventRelative, cut.Type)
	assert.Zero(t, cut.TriggerTime)
	assert.Equal(t, "switch", cut.ActionName)
	assert.Equal(t, "studio", cut.ExtraData["port"])

	hold := out.Children[1]
	assert.Equal(t, catcher.EventManual, hold.Type)
	assert.Equal(t, int64(1000+1800), hold.TriggerTime, "hold sits at the planned end")
	assert.Equal(t, channel.HoldReleaseName, hold.PreProcessor)
	assert.Contains(t, hold.Description, "the late show")
}

func TestHandleEventFullDressing(t *testing.T) {
	p := testProcessor(Config{
		CrosspointDevice: "mixer",
		CrosspointPort:   "studio",
		ClockDevice:      "vt1",
		ClockFile:        "clock_30.mov",
		ClockSeconds:     30,
		GraphicsDevice:   "cg1",
		GraphicsTemplate: "nownext",
	})

	out, err := p.HandleEvent(context.Background(), catcher.Event{
		Target: "live", Type: catcher.EventFixed,
		TriggerTime: 1000, Duration: 600 * 25, Description: "news",
	})
	require.NoError(t, err)
	require.Len(t, out.Children, 4)

	clock := out.Children[0]
	assert.Equal(t, "vt1", clock.Target)
	assert.Equal(t, int64(-30), clock.TriggerTime, "clock leads the show in")
	assert.Equal(t, int64(30*25), clock.Duration)
	assert.Equal(t, "clock_30.mov", clock.ExtraData["filename"])

	gfx := out.Children[2]
	assert.Equal(t, "cg1", gfx.Target)
	assert.Equal(t, "nownext", gfx.ExtraData["template"])
	assert.Equal(t, "news", gfx.ExtraData["now"])
}

func TestHandleEventNeedsDuration(t *testing.T) {
	p := testProcessor(Config{CrosspointDevice: "mixer", CrosspointPort: "studio"})
	_, err := p.HandleEvent(context.Background(), catcher.Event{Target: "live"})
	assert.Error(t, err)
}
