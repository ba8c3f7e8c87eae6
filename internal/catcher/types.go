package catcher

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"playd/internal/device"
	"playd/internal/plugin"
)

var (
	// ErrUnknownTarget: the request names a device/processor nobody registered.
	ErrUnknownTarget = errors.New("unknown target device or processor")
	// ErrUnknownAction: the action name doesn't exist on the target device.
	ErrUnknownAction = errors.New("unknown action for device")
	// ErrInvalidChain: a non-fixed event arrived with no resolvable parent.
	ErrInvalidChain = errors.New("invalid event chain")
)

// Event is the transient, name-addressed form of an event request or query
// response. It mirrors a playlist event but is addressed by device/processor
// name, may carry a human duration string in ExtraData["duration"], and
// nests its children directly. It is never persisted.
type Event struct {
	Target       string
	Type         EventType
	TriggerTime  int64
	Duration     int64 // frames (resolved from the duration string on ingest)
	Action       int
	ActionName   string
	EventID      int64 // populated on responses
	Description  string
	PreProcessor string
	ExtraData    map[string]string
	Children     []Event
}

// EventType aliases the persisted trigger kinds so sources don't import the
// store package.
type EventType = int

const (
	EventFixed EventType = iota
	EventRelative
	EventManual
)

// Kind selects what an Action does when the queue drains.
type Kind int

const (
	KindAdd Kind = iota
	KindRemove
	KindEdit
	KindShunt
	KindTrigger
	KindRegenerate
	KindUpdatePlaylist
	KindUpdateDevices
	KindUpdateActions
	KindUpdateProcessors
	KindUpdateFiles
)

var kindNames = map[Kind]string{
	KindAdd:              "add",
	KindRemove:           "remove",
	KindEdit:             "edit",
	KindShunt:            "shunt",
	KindTrigger:          "trigger",
	KindRegenerate:       "regenerate",
	KindUpdatePlaylist:   "update_playlist",
	KindUpdateDevices:    "update_devices",
	KindUpdateActions:    "update_actions",
	KindUpdateProcessors: "update_processors",
	KindUpdateFiles:      "update_files",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Action is one queued unit of work. Sources append Actions during their
// tick; the drain consumes each exactly once and flags it processed, writing
// ReturnMessage on failure. AdditionalData is opaque to the core and returned
// to the source untouched on query callbacks.
type Action struct {
	ID            string
	Kind          Kind
	Event         Event
	EventID       int64
	Processed     bool
	ReturnMessage string
	Source        Source
	AdditionalData any
}

// Queue is the per-tick action queue. Sources push during SourceTicks; the
// drain walks entries in strict submission order.
type Queue struct {
	mu    sync.Mutex
	items []*Action
}

func NewQueue() *Queue { return &Queue{} }

// Push appends an action, assigning a correlation id when the source didn't.
// The returned pointer is the queue's entry; sources keep it to read
// ReturnMessage after the drain.
func (q *Queue) Push(a *Action) *Action {
	if a == nil {
		return nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()
	return a
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// snapshot returns the current entries; the drain operates on the snapshot
// so pushes from callbacks land in a later pass.
func (q *Queue) snapshot() []*Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Action(nil), q.items...)
}

// compact removes processed entries after a drain pass.
func (q *Queue) compact() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, a := range q.items {
		if !a.Processed {
			kept = append(kept, a)
		}
	}
	q.items = kept
}

// ProcessorInfo describes an event processor to querying sources.
type ProcessorInfo struct {
	Description string
	Params      map[string]string
}

// Processor expands one logical event request into concrete playlist
// content (e.g. auto-filling a schedule gap).
type Processor interface {
	HandleEvent(ctx context.Context, original Event) (Event, error)
	Info() ProcessorInfo
	Status() plugin.Status
}

// Source originates event requests and receives query callbacks. Tick is
// called once per frame under the core lock; sources must only append to the
// queue and return promptly.
type Source interface {
	Tick(ctx context.Context, q *Queue)
	Status() plugin.Status

	UpdatePlaylist(events []Event, data any)
	UpdateDevices(devices map[string]string, data any)
	UpdateDeviceActions(deviceName string, actions []device.ActionInfo, data any)
	UpdateFiles(deviceName string, files []device.FileInfo, data any)
	UpdateEventProcessors(processors map[string]ProcessorInfo, data any)
}
