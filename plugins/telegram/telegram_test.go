package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"playd/internal/catcher"
	"playd/internal/eventbus"
)

func TestNoticeText(t *testing.T) {
	crash := eventbus.Event{
		Type: eventbus.TypePluginCrashed,
		Data: map[string]any{"plugin": "videodemo"},
	}
	assert.Equal(t, `plugin.crashed {"plugin":"videodemo"}`, noticeText(crash))

	assert.Equal(t, "plugin.shutdown",
		noticeText(eventbus.Event{Type: eventbus.TypePluginShutdown}))

	assert.Empty(t, noticeText(eventbus.Event{Type: eventbus.TypeHoldReleased}),
		"routine events stay off the notify chat")
	assert.Empty(t, noticeText(eventbus.Event{Type: eventbus.TypeActionFailed}))
}

func TestWriteEventTree(t *testing.T) {
	trigger := time.Date(2026, 3, 1, 14, 30, 0, 0, time.Local).Unix()
	ev := catcher.Event{
		EventID:     7,
		TriggerTime: trigger,
		Target:      "vt1",
		Description: "afternoon film",
		Children: []catcher.Event{
			{EventID: 8, TriggerTime: trigger, Target: "mixer", Description: "cut"},
		},
	}

	var b strings.Builder
	writeEvent(&b, ev, 0)
	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Equal(t, "#7 14:30:00 vt1 afternoon film", lines[0])
	assert.Equal(t, "  #8 14:30:00 mixer cut", lines[1])
}
