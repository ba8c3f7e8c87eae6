// Package telegram is an operator-facing event source: a Telegram bot whose
// commands append query and trigger actions to the pipeline, with the
// answers rendered back into the chat when the callbacks land.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"playd/internal/catcher"
	"playd/internal/device"
	"playd/internal/eventbus"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

type Config struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string, default 10s.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// OwnerUserIDs may issue commands. Empty means anyone, which is only
	// sane on a private bot.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// NotifyChatID, when set, receives plugin crash and tick overrun notices.
	NotifyChatID int64 `json:"notify_chat_id,omitempty"`
}

type Source struct {
	name    string
	log     logx.Logger
	bot     *tele.Bot
	cfg     Config
	notices <-chan eventbus.Event
	unsub   func()

	mu        sync.Mutex
	status    plugin.Status
	pending   []*catcher.Action
	submitted []*catcher.Action
	replies   []reply
}

// reply routes one chat answer back out on the bot goroutine.
type reply struct {
	chat *tele.Chat
	text string
}

func Factory(core *catcher.Core, bus eventbus.Bus, log logx.Logger) plugin.Factory {
	return func(_ context.Context, name string, raw json.RawMessage) (plugin.Instance, error) {
		var cfg Config
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("telegram config: %w", err)
			}
		}
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, fmt.Errorf("telegram: token is required")
		}
		timeout := 10 * time.Second
		if cfg.PollTimeout != "" {
			d, err := time.ParseDuration(cfg.PollTimeout)
			if err != nil {
				return nil, fmt.Errorf("telegram: poll_timeout: %w", err)
			}
			timeout = d
		}

		bot, err := tele.NewBot(tele.Settings{
			Token:  cfg.Token,
			Poller: &tele.LongPoller{Timeout: timeout},
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}

		s := &Source{
			name:   name,
			log:    log.With(logx.String("plugin", name)),
			bot:    bot,
			cfg:    cfg,
			status: plugin.StatusReady,
		}
		if cfg.NotifyChatID != 0 && bus != nil {
			s.notices, s.unsub = bus.Subscribe(16)
		}
		s.route()
		go bot.Start()
		core.RegisterSource(s)
		return s, nil
	}
}

func (s *Source) Name() string { return "telegram" }
func (s *Source) Type() string { return "telegram" }

func (s *Source) Status() plugin.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Source) Shutdown(_ context.Context) {
	if s.unsub != nil {
		s.unsub()
	}
	go s.bot.Stop()
	s.mu.Lock()
	s.status = plugin.StatusUnload
	s.mu.Unlock()
}

func (s *Source) route() {
	s.bot.Handle("/playlist", s.guard(func(c tele.Context) error {
		length := int64(3600)
		if arg := firstArg(c); arg != "" {
			if n, err := strconv.ParseInt(arg, 10, 64); err == nil && n > 0 {
				length = n
			}
		}
		s.stage(c, &catcher.Action{
			Kind: catcher.KindUpdatePlaylist,
			Event: catcher.Event{
				TriggerTime: time.Now().Unix(),
				Duration:    length,
			},
		})
		return nil
	}))

	s.bot.Handle("/current", s.guard(func(c tele.Context) error {
		s.stage(c, &catcher.Action{
			Kind:  catcher.KindUpdatePlaylist,
			Event: catcher.Event{ExtraData: map[string]string{"range": "current"}},
		})
		return nil
	}))

	s.bot.Handle("/next", s.guard(func(c tele.Context) error {
		s.stage(c, &catcher.Action{
			Kind:  catcher.KindUpdatePlaylist,
			Event: catcher.Event{ExtraData: map[string]string{"range": "next"}},
		})
		return nil
	}))

	s.bot.Handle("/trigger", s.guard(func(c tele.Context) error {
		id, err := strconv.ParseInt(firstArg(c), 10, 64)
		if err != nil {
			return c.Send("usage: /trigger <event id>")
		}
		s.stage(c, &catcher.Action{Kind: catcher.KindTrigger, EventID: id})
		return nil
	}))

	s.bot.Handle("/devices", s.guard(func(c tele.Context) error {
		s.stage(c, &catcher.Action{Kind: catcher.KindUpdateDevices})
		return nil
	}))

	s.bot.Handle("/files", s.guard(func(c tele.Context) error {
		name := firstArg(c)
		if name == "" {
			return c.Send("usage: /files <device>")
		}
		s.stage(c, &catcher.Action{
			Kind:  catcher.KindUpdateFiles,
			Event: catcher.Event{Target: name},
		})
		return nil
	}))
}

// guard rejects commands from users outside the owner list.
func (s *Source) guard(fn tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if len(s.cfg.OwnerUserIDs) > 0 {
			allowed := false
			for _, id := range s.cfg.OwnerUserIDs {
				if c.Sender() != nil && c.Sender().ID == id {
					allowed = true
					break
				}
			}
			if !allowed {
				s.log.Warn("command from unauthorised user",
					logx.Int64("user", c.Sender().ID))
				return nil
			}
		}
		return fn(c)
	}
}

// stage runs on the bot goroutine; the action is queued by the next Tick.
// The chat rides along in AdditionalData so the callback can answer it.
func (s *Source) stage(c tele.Context, act *catcher.Action) {
	act.Source = s
	act.AdditionalData = c.Chat()
	s.mu.Lock()
	s.pending = append(s.pending, act)
	s.mu.Unlock()
}

// Tick moves staged actions into the queue, reports rejections from the
// previous drain, and flushes answers.
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
			s.queueReplyLocked(act.AdditionalData, act.ReturnMessage)
		}
	}
	s.submitted = outstanding
	out := s.replies
	s.replies = nil
	s.mu.Unlock()

	out = append(out, s.drainNotices()...)

	for _, act := range staged {
		q.Push(act)
		s.mu.Lock()
		s.submitted = append(s.submitted, act)
		s.mu.Unlock()
	}
	for _, r := range out {
		r := r
		go func() {
			if _, err := s.bot.Send(r.chat, r.text); err != nil {
				s.log.Warn("reply failed", logx.Err(err))
			}
		}()
	}
}

// drainNotices turns pending bus events into messages for the notify chat.
// Only operational trouble is forwarded; the chat is not a log sink.
func (s *Source) drainNotices() []reply {
	var out []reply
	chat := &tele.Chat{ID: s.cfg.NotifyChatID}
	for {
		select {
		case ev, ok := <-s.notices:
			if !ok {
				return out
			}
			if text := noticeText(ev); text != "" {
				out = append(out, reply{chat: chat, text: text})
			}
		default:
			return out
		}
	}
}

func noticeText(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypePluginCrashed, eventbus.TypePluginShutdown,
		eventbus.TypePluginStabilised, eventbus.TypeTickOverrun:
	default:
		return ""
	}
	detail, err := json.Marshal(ev.Data)
	if err != nil || string(detail) == "null" {
		return ev.Type
	}
	return ev.Type + " " + string(detail)
}

func (s *Source) queueReply(data any, text string) {
	s.mu.Lock()
	s.queueReplyLocked(data, text)
	s.mu.Unlock()
}

func (s *Source) queueReplyLocked(data any, text string) {
	chat, ok := data.(*tele.Chat)
	if !ok || chat == nil {
		return
	}
	s.replies = append(s.replies, reply{chat: chat, text: text})
}

func (s *Source) UpdatePlaylist(events []catcher.Event, data any) {
	if len(events) == 0 {
		s.queueReply(data, "nothing scheduled")
		return
	}
	var b strings.Builder
	for _, ev := range events {
		writeEvent(&b, ev, 0)
	}
	s.queueReply(data, b.String())
}

func writeEvent(b *strings.Builder, ev catcher.Event, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(b, "#%d %s %s %s\n",
		ev.EventID,
		time.Unix(ev.TriggerTime, 0).Format("15:04:05"),
		ev.Target,
		ev.Description)
	for _, child := range ev.Children {
		writeEvent(b, child, depth+1)
	}
}

func (s *Source) UpdateDevices(devices map[string]string, data any) {
	if len(devices) == 0 {
		s.queueReply(data, "no devices registered")
		return
	}
	var b strings.Builder
	for name, kind := range devices {
		fmt.Fprintf(&b, "%s (%s)\n", name, kind)
	}
	s.queueReply(data, b.String())
}

func (s *Source) UpdateDeviceActions(deviceName string, actions []device.ActionInfo, data any) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", deviceName)
	for _, a := range actions {
		fmt.Fprintf(&b, "  %d %s\n", a.ID, a.Name)
	}
	s.queueReply(data, b.String())
}

func (s *Source) UpdateFiles(deviceName string, files []device.FileInfo, data any) {
	if len(files) == 0 {
		s.queueReply(data, deviceName+": no files")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", deviceName)
	for _, f := range files {
		fmt.Fprintf(&b, "  %s (%d frames)\n", f.Name, f.Duration)
	}
	s.queueReply(data, b.String())
}

func (s *Source) UpdateEventProcessors(procs map[string]catcher.ProcessorInfo, data any) {
	if len(procs) == 0 {
		s.queueReply(data, "no processors registered")
		return
	}
	var b strings.Builder
	for name, info := range procs {
		fmt.Fprintf(&b, "%s: %s\n", name, info.Description)
	}
	s.queueReply(data, b.String())
}

func firstArg(c tele.Context) string {
	args := c.Args()
	if len(args) == 0 {
		return ""
	}
	return strings.TrimSpace(args[0])
}
