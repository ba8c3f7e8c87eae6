// Package plugin manages the lifecycle of configured plugin instances:
// construction from factories, per-frame health supervision, crash reloads
// with escalating backoff, and reaping.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"playd/internal/eventbus"
	"playd/internal/playlist"
	logx "playd/pkg/logx"
)

// Instance is one running plugin. Implementations register themselves with
// the parts of the system they serve (device registry, event source list,
// processor table) during construction and must become unreachable after
// Shutdown: either unregister directly or report StatusUnload so the owner
// purges them.
type Instance interface {
	Name() string
	Type() string
	Status() Status
	Shutdown(ctx context.Context)
}

// Factory builds an instance from its raw config blob. Factories are
// registered per plugin type by the application, closing over whatever
// subsystems that type needs.
type Factory func(ctx context.Context, name string, raw json.RawMessage) (Instance, error)

type pluginEvent struct {
	Plugin  string `json:"plugin"`
	Type    string `json:"type,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Reloads int    `json:"reloads_remaining,omitempty"`
}

// state carries the supervision bookkeeping for one instance.
//
// reloadTimer > 0 counts down frames until a reload attempt. reloadTimer < 0
// is a proving period counting up: surviving it restores the reload budget.
type state struct {
	inst             Instance
	raw              json.RawMessage
	typ              string
	reloadTimer      int64
	reloadsRemaining int
}

type Manager struct {
	mu sync.Mutex

	log       logx.Logger
	bus       eventbus.Bus
	store     *playlist.Store
	factories map[string]Factory
	states    map[string]*state

	maxReloads int
	reloadTime func(reloadsRemaining int) int64
}

func NewManager(log logx.Logger, bus eventbus.Bus, store *playlist.Store, maxReloads int, reloadTime func(int) int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if maxReloads < 0 {
		maxReloads = 0
	}
	return &Manager{
		log:        log,
		bus:        bus,
		store:      store,
		factories:  map[string]Factory{},
		states:     map[string]*state{},
		maxReloads: maxReloads,
		reloadTime: reloadTime,
	}
}

func (m *Manager) RegisterFactory(typ string, f Factory) {
	m.mu.Lock()
	m.factories[typ] = f
	m.mu.Unlock()
}

// Load constructs an instance of the given type under the given name. The
// raw blob is retained for crash reloads.
func (m *Manager) Load(ctx context.Context, name, typ string, raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[name]; exists {
		return fmt.Errorf("plugin instance %q already loaded", name)
	}
	f, ok := m.factories[typ]
	if !ok {
		return fmt.Errorf("no factory for plugin type %q", typ)
	}

	inst, err := m.build(ctx, f, name, raw)
	if err != nil {
		return err
	}
	m.states[name] = &state{
		inst:             inst,
		raw:              raw,
		typ:              typ,
		reloadsRemaining: m.maxReloads,
	}
	m.log.Info("plugin loaded", logx.String("plugin", name), logx.String("type", typ))
	m.mirror(ctx, name)
	return nil
}

// Unload shuts an instance down and forgets it.
func (m *Manager) Unload(ctx context.Context, name string) {
	m.mu.Lock()
	st, ok := m.states[name]
	if ok {
		delete(m.states, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.shutdown(ctx, name, st.inst)
	if m.store != nil {
		if err := m.store.RemovePlugin(ctx, name); err != nil {
			m.log.Warn("plugin row removal failed", logx.String("plugin", name), logx.Err(err))
		}
	}
	m.publish(eventbus.TypePluginShutdown, pluginEvent{Plugin: name, Type: st.typ})
}

// Names returns loaded instance names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.states))
	for name := range m.states {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		return StatusUnload, false
	}
	return st.inst.Status(), true
}

// ProcessStates advances every instance's supervision state by one frame.
// Called once per tick under the core lock.
func (m *Manager) ProcessStates(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, st := range m.states {
		m.processOne(ctx, name, st)
	}

	// Reap instances that asked to unload and have nothing pending.
	for name, st := range m.states {
		if st.inst.Status() == StatusUnload && st.reloadTimer == 0 {
			delete(m.states, name)
			if m.store != nil {
				if err := m.store.RemovePlugin(ctx, name); err != nil {
					m.log.Warn("plugin row removal failed", logx.String("plugin", name), logx.Err(err))
				}
			}
			m.log.Info("plugin unloaded", logx.String("plugin", name))
		}
	}
}

func (m *Manager) processOne(ctx context.Context, name string, st *state) {
	status := st.inst.Status()

	// A failure with no reload already scheduled starts (or ends) the
	// reload cycle. A failure mid-proving aborts the proving period.
	if (status == StatusFailed || status == StatusCrashed) && st.reloadTimer <= 0 {
		m.shutdown(ctx, name, st.inst)
		if st.reloadsRemaining > 0 {
			st.reloadsRemaining--
			st.reloadTimer = m.backoff(st.reloadsRemaining)
			m.log.Warn("plugin failed, reload scheduled",
				logx.String("plugin", name),
				logx.String("status", status.String()),
				logx.Int("reloads_remaining", st.reloadsRemaining),
				logx.Int64("reload_in_frames", st.reloadTimer))
			m.publish(eventbus.TypePluginCrashed,
				pluginEvent{Plugin: name, Type: st.typ, Reason: status.String(), Reloads: st.reloadsRemaining})
		} else {
			st.reloadTimer = 0
			m.log.Error("plugin failed with no reloads remaining, unloading",
				logx.String("plugin", name), logx.String("status", status.String()))
			m.publish(eventbus.TypePluginShutdown,
				pluginEvent{Plugin: name, Type: st.typ, Reason: "reload budget exhausted"})
			st.inst = deadInstance{name: name, typ: st.typ}
		}
		m.mirror(ctx, name)
		return
	}

	switch {
	case st.reloadTimer > 0:
		st.reloadTimer--
		if st.reloadTimer == 0 {
			m.reload(ctx, name, st)
		}
	case st.reloadTimer < 0:
		st.reloadTimer++
		if st.reloadTimer == 0 && st.inst.Status().Healthy() {
			st.reloadsRemaining = m.maxReloads
			m.log.Info("plugin stabilised, reload budget restored",
				logx.String("plugin", name))
			m.publish(eventbus.TypePluginStabilised, pluginEvent{Plugin: name, Type: st.typ})
			m.mirror(ctx, name)
		}
	}
}

// reload rebuilds the instance from its retained config and enters the
// proving period. A failed build is treated like a crash on the next frame.
func (m *Manager) reload(ctx context.Context, name string, st *state) {
	f, ok := m.factories[st.typ]
	if !ok {
		m.log.Error("plugin factory vanished, cannot reload",
			logx.String("plugin", name), logx.String("type", st.typ))
		st.inst = deadInstance{name: name, typ: st.typ}
		m.mirror(ctx, name)
		return
	}

	inst, err := m.build(ctx, f, name, st.raw)
	if err != nil {
		m.log.Warn("plugin reload failed", logx.String("plugin", name), logx.Err(err))
		st.inst = failedInstance{name: name, typ: st.typ}
		return
	}

	st.inst = inst
	st.reloadTimer = -m.backoff(st.reloadsRemaining)
	m.log.Info("plugin reloaded",
		logx.String("plugin", name),
		logx.Int("reloads_remaining", st.reloadsRemaining),
		logx.Int64("proving_frames", -st.reloadTimer))
	m.publish(eventbus.TypePluginReloaded,
		pluginEvent{Plugin: name, Type: st.typ, Reloads: st.reloadsRemaining})
	m.mirror(ctx, name)
}

func (m *Manager) backoff(reloadsRemaining int) int64 {
	if m.reloadTime != nil {
		if t := m.reloadTime(reloadsRemaining); t > 0 {
			return t
		}
	}
	return 1
}

func (m *Manager) build(ctx context.Context, f Factory, name string, raw json.RawMessage) (inst Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic constructing plugin",
				logx.String("plugin", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			inst = nil
			err = fmt.Errorf("panic constructing %s: %v", name, r)
		}
	}()
	return f(ctx, name, raw)
}

func (m *Manager) shutdown(ctx context.Context, name string, inst Instance) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin shutdown",
				logx.String("plugin", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	inst.Shutdown(ctx)
}

// mirror writes the instance's current status to the plugin table so
// operator queries see lifecycle state without touching the manager.
func (m *Manager) mirror(ctx context.Context, name string) {
	if m.store == nil {
		return
	}
	st, ok := m.states[name]
	if !ok {
		return
	}
	row := playlist.PluginRow{
		Instance: name,
		Plugin:   st.inst.Name(),
		Type:     st.typ,
		Status:   st.inst.Status().String(),
	}
	if err := m.store.UpsertPlugin(ctx, row); err != nil {
		m.log.Warn("plugin status mirror failed", logx.String("plugin", name), logx.Err(err))
	}
}

func (m *Manager) publish(typ string, data pluginEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// deadInstance stands in for a terminally failed plugin so callers see a
// consistent Unload status until the reaper collects it.
type deadInstance struct{ name, typ string }

func (d deadInstance) Name() string               { return d.name }
func (d deadInstance) Type() string               { return d.typ }
func (d deadInstance) Status() Status             { return StatusUnload }
func (d deadInstance) Shutdown(_ context.Context) {}

// failedInstance marks a reload attempt that never constructed, driving the
// state machine around another failure cycle.
type failedInstance struct{ name, typ string }

func (f failedInstance) Name() string               { return f.name }
func (f failedInstance) Type() string               { return f.typ }
func (f failedInstance) Status() Status             { return StatusFailed }
func (f failedInstance) Shutdown(_ context.Context) {}
