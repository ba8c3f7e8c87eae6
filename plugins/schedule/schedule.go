// Package schedule is an event source that turns cron expressions into
// playlist insertions: each rule carries an event template that is stamped
// with the fire time and queued for the next frame.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"playd/internal/catcher"
	"playd/internal/device"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

// Template is the event a rule inserts. Duration strings go through the
// usual colon-separated parse via extra_data. LeadSeconds schedules the
// event ahead of the fire time so rules can fire early and land on air at
// the exact second.
type Template struct {
	Target      string            `json:"target"`
	Action      string            `json:"action,omitempty"`
	Duration    string            `json:"duration,omitempty"`
	Description string            `json:"description,omitempty"`
	ExtraData   map[string]string `json:"extra_data,omitempty"`
	Children    []Template        `json:"children,omitempty"`
}

type Rule struct {
	Name        string   `json:"name"`
	Cron        string   `json:"cron"`
	LeadSeconds int64    `json:"lead_seconds,omitempty"`
	Event       Template `json:"event"`
}

type Config struct {
	Timezone string `json:"timezone,omitempty"`
	Rules    []Rule `json:"rules"`
}

type Source struct {
	name string
	log  logx.Logger
	cron *cron.Cron

	mu        sync.Mutex
	status    plugin.Status
	pending   []catcher.Event
	submitted []*catcher.Action
}

func Factory(core *catcher.Core, log logx.Logger) plugin.Factory {
	return func(_ context.Context, name string, raw json.RawMessage) (plugin.Instance, error) {
		var cfg Config
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("schedule config: %w", err)
			}
		}
		if len(cfg.Rules) == 0 {
			return nil, fmt.Errorf("schedule: at least one rule is required")
		}

		opts := []cron.Option{}
		if cfg.Timezone != "" {
			loc, err := time.LoadLocation(cfg.Timezone)
			if err != nil {
				return nil, fmt.Errorf("schedule: timezone: %w", err)
			}
			opts = append(opts, cron.WithLocation(loc))
		}

		s := &Source{
			name:   name,
			log:    log.With(logx.String("plugin", name)),
			cron:   cron.New(opts...),
			status: plugin.StatusReady,
		}
		for _, rule := range cfg.Rules {
			rule := rule
			if _, err := s.cron.AddFunc(rule.Cron, func() { s.fire(rule) }); err != nil {
				return nil, fmt.Errorf("schedule: rule %q: %w", rule.Name, err)
			}
		}
		s.cron.Start()
		core.RegisterSource(s)
		return s, nil
	}
}

func (s *Source) Name() string { return "schedule" }
func (s *Source) Type() string { return "schedule" }

func (s *Source) Status() plugin.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Source) Shutdown(_ context.Context) {
	s.cron.Stop()
	s.mu.Lock()
	s.status = plugin.StatusUnload
	s.mu.Unlock()
}

// fire runs on the cron goroutine; it only stages the event. The frame loop
// picks it up on the next Tick.
func (s *Source) fire(rule Rule) {
	trigger := time.Now().Unix() + rule.LeadSeconds
	ev := buildEvent(rule.Event, trigger)

	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.log.Info("rule fired",
		logx.String("rule", rule.Name), logx.Int64("trigger_time", trigger))
}

func buildEvent(t Template, trigger int64) catcher.Event {
	ev := catcher.Event{
		Target:      t.Target,
		Type:        catcher.EventFixed,
		TriggerTime: trigger,
		Action:      -1,
		ActionName:  t.Action,
		Description: t.Description,
		ExtraData:   map[string]string{},
	}
	for k, v := range t.ExtraData {
		ev.ExtraData[k] = v
	}
	if t.Duration != "" {
		ev.ExtraData["duration"] = t.Duration
	}
	for _, child := range t.Children {
		cev := buildEvent(child, 0)
		cev.Type = catcher.EventRelative
		ev.Children = append(ev.Children, cev)
	}
	return ev
}

// Tick reports failures from the last drain, then queues staged events.
func (s *Source) Tick(_ context.Context, q *catcher.Queue) {
	s.mu.Lock()
	staged := s.pending
	s.pending = nil
	outstanding := s.submitted[:0]
	for _, act := range s.submitted {
		if !act.Processed {
			outstanding = append(outstanding, act)
			continue
		}
		if act.ReturnMessage != "" {
			s.log.Warn("scheduled insert rejected",
				logx.String("action_id", act.ID),
				logx.String("reason", act.ReturnMessage))
		}
	}
	s.submitted = outstanding
	s.mu.Unlock()

	for _, ev := range staged {
		act := q.Push(&catcher.Action{Kind: catcher.KindAdd, Event: ev, Source: s})
		s.mu.Lock()
		s.submitted = append(s.submitted, act)
		s.mu.Unlock()
	}
}

func (s *Source) UpdatePlaylist([]catcher.Event, any)                         {}
func (s *Source) UpdateDevices(map[string]string, any)                        {}
func (s *Source) UpdateDeviceActions(string, []device.ActionInfo, any)        {}
func (s *Source) UpdateFiles(string, []device.FileInfo, any)                  {}
func (s *Source) UpdateEventProcessors(map[string]catcher.ProcessorInfo, any) {}
