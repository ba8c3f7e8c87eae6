// Package device defines the capability surface the playout core expects
// from device implementations, and the registry that owns them.
//
// Concrete drivers (switchers, video servers, graphics generators) live in
// plugins; the core only routes events to whatever is registered here.
package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Kind classifies what a device does with a dispatched event.
type Kind int

const (
	KindCrosspoint Kind = iota
	KindVideo
	KindGraphics

	// KindProcessor marks events that were generated by an event processor.
	// They have no backing device; the channel skips dispatch for them.
	KindProcessor
)

var kindNames = map[Kind]string{
	KindCrosspoint: "crosspoint",
	KindVideo:      "video",
	KindGraphics:   "graphics",
	KindProcessor:  "processor",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindFromString parses the persisted form of a Kind.
func KindFromString(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// ErrDispatch wraps device-side dispatch failures. The channel logs these and
// still marks the event processed so a broken device cannot wedge the tick.
var ErrDispatch = errors.New("device dispatch failed")

// ActionInfo describes one action a device supports. IDs are stable per
// device; names are the human-facing fallback used when a request carries no
// action index.
type ActionInfo struct {
	ID   int
	Name string
}

// FileInfo is one playable item on a file-backed device.
// Duration is in frames.
type FileInfo struct {
	Name     string
	Duration int64
}

// EventData is the subset of a playlist event a device needs to act on it.
type EventData struct {
	ID        int64
	Action    int
	Duration  int64
	ExtraData map[string]string
}

// Device is the capability every registered device exposes.
type Device interface {
	Kind() Kind
	Actions() []ActionInfo
	Dispatch(ev EventData) error
}

// FileLister is implemented by devices with enumerable media (video servers,
// graphics template stores).
type FileLister interface {
	FileList() []FileInfo
}

// Registry is the single owning table of devices, keyed by instance name.
// Components hold the registry and look devices up by name; nothing owns a
// device directly.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

func NewRegistry() *Registry {
	return &Registry{devices: map[string]Device{}}
}

func (r *Registry) Register(name string, d Device) {
	r.mu.Lock()
	r.devices[name] = d
	r.mu.Unlock()
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.devices, name)
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Device, bool) {
	r.mu.RLock()
	d, ok := r.devices[name]
	r.mu.RUnlock()
	return d, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns name -> kind for every registered device, sorted by name.
func (r *Registry) List() []ListEntry {
	r.mu.RLock()
	out := make([]ListEntry, 0, len(r.devices))
	for name, d := range r.devices {
		out = append(out, ListEntry{Name: name, Kind: d.Kind()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type ListEntry struct {
	Name string
	Kind Kind
}

// ResolveAction maps an action name to its ID on the given device.
// Returns (-1, false) when the name is unknown.
func ResolveAction(d Device, name string) (int, bool) {
	for _, a := range d.Actions() {
		if a.Name == name {
			return a.ID, true
		}
	}
	return -1, false
}

// ActionName is the inverse of ResolveAction; empty when the ID is unknown.
func ActionName(d Device, id int) string {
	for _, a := range d.Actions() {
		if a.ID == id {
			return a.Name
		}
	}
	return ""
}
