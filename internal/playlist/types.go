package playlist

import (
	"errors"
	"time"

	"playd/internal/device"
)

// ErrNotFound is returned for lookups of unknown event ids. Callers that
// probe (NextEvent, ActiveHold) treat it as an empty result, not a failure.
var ErrNotFound = errors.New("playlist: event not found")

// EventType selects trigger semantics.
type EventType int

const (
	// EventFixed triggers at an absolute wall-clock time.
	EventFixed EventType = iota
	// EventRelative is authored relative to its parent; the trigger time is
	// resolved to absolute before insertion and the row is stored as fixed.
	EventRelative
	// EventManual marks a hold point: the event (and its gated siblings)
	// waits for an operator trigger.
	EventManual
)

var eventTypeNames = map[EventType]string{
	EventFixed:    "fixed",
	EventRelative: "relative",
	EventManual:   "manual",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "fixed"
}

func EventTypeFromString(s string) (EventType, bool) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, true
		}
	}
	return EventFixed, false
}

// Event is the persisted scheduling unit.
//
// TriggerTime is absolute unix seconds (relative events are resolved before
// they reach the store). Duration is in frames; zero means the event has no
// intrinsic length. Action -1 means "resolve from ActionName at conversion".
type Event struct {
	ID           int64
	ParentID     int64 // 0 = top level
	Device       string
	DeviceKind   device.Kind
	Type         EventType
	TriggerTime  int64
	Duration     int64
	Action       int
	ActionName   string
	Description  string
	PreProcessor string
	ExtraData    map[string]string
	Processed    bool
}

// End returns the wall-clock second the event's execution window closes,
// given the channel frame rate.
func (e Event) End(frameRate int) int64 {
	if frameRate <= 0 {
		frameRate = 25
	}
	return e.TriggerTime + e.Duration/int64(frameRate)
}

// PluginRow is one row of the plugin table kept for operational visibility.
type PluginRow struct {
	Instance  string
	Plugin    string
	Type      string
	Status    string
	UpdatedAt time.Time
}

// Config configures the store.
type Config struct {
	// Path to the database file, or ":memory:".
	Path string
	// BusyTimeout for concurrent access; 0 means driver default.
	BusyTimeout time.Duration
	// FrameRate converts frame durations to wall-clock windows.
	FrameRate int
}
