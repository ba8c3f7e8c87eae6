// Package app assembles the channel daemon: config, logging, storage, the
// playout channel, the event pipeline, plugin supervision, and the frame
// loop that drives them all.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"playd/internal/asyncjob"
	"playd/internal/catcher"
	"playd/internal/channel"
	"playd/internal/config"
	"playd/internal/device"
	"playd/internal/eventbus"
	"playd/internal/playlist"
	"playd/internal/plugin"
	logx "playd/pkg/logx"
)

// ErrLockTimeout means the core lock could not be taken within one frame.
var ErrLockTimeout = errors.New("core lock timeout")

// coreLock is a one-slot semaphore with a timed acquire. Everything that
// touches playout state synchronously from outside the frame loop takes it;
// the frame loop skips a tick rather than block behind a slow holder.
type coreLock struct {
	ch chan struct{}
}

func newCoreLock() *coreLock {
	l := &coreLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

func (l *coreLock) Acquire(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.ch:
		return nil
	case <-t.C:
		return ErrLockTimeout
	}
}

func (l *coreLock) Release() {
	select {
	case l.ch <- struct{}{}:
	default:
		panic("core lock released while not held")
	}
}

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *playlist.Store
	devices *device.Registry
	ch      *channel.Channel
	core    *catcher.Core
	jobs    *asyncjob.System
	pm      *plugin.Manager

	lock        *coreLock
	framePeriod time.Duration
	overrunLog  *logx.Throttled
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	bus := eventbus.New()
	frameRate := cfg.Channel.EffectiveFrameRate()

	busyTimeout, err := config.ParseDurationOrDefault(
		"storage.busy_timeout", cfg.Storage.BusyTimeout, 250*time.Millisecond)
	if err != nil {
		return nil, err
	}
	store, err := playlist.Open(playlist.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
		FrameRate:   frameRate,
	}, log.With(logx.String("comp", "playlist")))
	if err != nil {
		return nil, err
	}

	devices := device.NewRegistry()
	ch := channel.New(cfg.Channel.Name, store, devices, bus, frameRate,
		log.With(logx.String("comp", "channel")))
	core := catcher.NewCore(ch, devices, bus, frameRate,
		log.With(logx.String("comp", "catcher")))
	jobs := asyncjob.New(log.With(logx.String("comp", "asyncjob")))

	chcfg := cfg.Channel
	pm := plugin.NewManager(log.With(logx.String("comp", "plugins")),
		bus, store, chcfg.EffectiveMaxReloads(),
		func(remaining int) int64 { return int64(chcfg.ReloadTime(remaining)) })

	return &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		devices:     devices,
		ch:          ch,
		core:        core,
		jobs:        jobs,
		pm:          pm,
		lock:        newCoreLock(),
		framePeriod: cfg.Channel.FramePeriod(),
		overrunLog:  logx.NewThrottled(log, 1),
	}, nil
}

func (a *App) Config() *config.Config     { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger        { return a.log }
func (a *App) Bus() eventbus.Bus          { return a.bus }
func (a *App) Devices() *device.Registry  { return a.devices }
func (a *App) Channel() *channel.Channel  { return a.ch }
func (a *App) Catcher() *catcher.Core     { return a.core }
func (a *App) Jobs() *asyncjob.System     { return a.jobs }
func (a *App) Plugins() *plugin.Manager   { return a.pm }
func (a *App) Store() *playlist.Store     { return a.store }
func (a *App) FramePeriod() time.Duration { return a.framePeriod }

// WithLock runs fn while holding the core lock, waiting at most one frame.
// Plugins use this for synchronous work outside their Tick.
func (a *App) WithLock(fn func()) error {
	if err := a.lock.Acquire(a.framePeriod); err != nil {
		return err
	}
	defer a.lock.Release()
	fn()
	return nil
}

// Run drives the frame loop until ctx is cancelled. It loads configured
// plugins first, then ticks at the channel frame rate, skipping frames the
// core lock cannot be taken for.
func (a *App) Run(ctx context.Context) error {
	if err := a.cfgm.Watch(ctx); err != nil {
		a.log.Warn("config watch unavailable", logx.Err(err))
	}
	cfgCh := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(cfgCh)

	a.reconcilePlugins(ctx, a.cfgm.Get())

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Info("systemd readiness notified")
	}
	watchdog, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("sd_watchdog query failed", logx.Err(err))
		watchdog = 0
	}
	var wdTicker *time.Ticker
	var wdC <-chan time.Time
	if watchdog > 0 {
		wdTicker = time.NewTicker(watchdog / 2)
		wdC = wdTicker.C
		defer wdTicker.Stop()
	}

	a.log.Info("channel running",
		logx.String("channel", a.cfgm.Get().Channel.Name),
		logx.Duration("frame_period", a.framePeriod))

	ticker := time.NewTicker(a.framePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case cfg := <-cfgCh:
			a.applyConfig(ctx, cfg)
		case <-wdC:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		case <-ticker.C:
			a.frame(ctx)
		}
	}
}

// frame runs one tick under the core lock. Missing the lock for a whole
// frame period means some other holder is running long; the frame is
// dropped and playout catches up on the next one.
func (a *App) frame(ctx context.Context) {
	if err := a.lock.Acquire(a.framePeriod); err != nil {
		a.overrunLog.Warn("skipping frame, core lock held too long")
		return
	}
	start := time.Now()
	func() {
		defer a.lock.Release()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("frame tick panicked", logx.Any("panic", r))
			}
		}()
		a.tick(ctx)
	}()

	if elapsed := time.Since(start); elapsed > a.framePeriod {
		a.overrunLog.Warn("frame overrun",
			logx.Duration("elapsed", elapsed),
			logx.Duration("frame_period", a.framePeriod))
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTickOverrun,
			Data: fmt.Sprintf("frame took %s", elapsed),
		})
	}
}

func (a *App) tick(ctx context.Context) {
	a.ch.Tick(ctx)
	a.pm.ProcessStates(ctx)
	a.jobs.Complete()
	a.core.SourceTicks(ctx)
	a.core.DrainQueue(ctx)
}

// applyConfig handles a hot reload. Logging retargets immediately and the
// plugin set is reconciled. Frame rate and storage changes need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if cfg.Channel.FramePeriod() != a.framePeriod {
		a.log.Warn("frame_rate changed in config, restart required to apply")
	}
	a.reconcilePlugins(ctx, cfg)
	a.log.Info("configuration reloaded")
}

// reconcilePlugins loads newly enabled instances and unloads removed or
// disabled ones. Config changes inside a still-enabled instance take effect
// on its next reload.
func (a *App) reconcilePlugins(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	loaded := map[string]bool{}
	for _, name := range a.pm.Names() {
		loaded[name] = true
	}
	for name, raw := range cfg.Plugins {
		switch {
		case raw.Enabled && !loaded[name]:
			if err := a.pm.Load(ctx, name, raw.Type, raw.Config); err != nil {
				a.log.Error("plugin load failed",
					logx.String("plugin", name), logx.String("type", raw.Type), logx.Err(err))
			}
		case !raw.Enabled && loaded[name]:
			a.pm.Unload(ctx, name)
		}
		delete(loaded, name)
	}
	for name := range loaded {
		a.pm.Unload(ctx, name)
	}
}

func (a *App) shutdown() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range a.pm.Names() {
		a.pm.Unload(ctx, name)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("channel stopped")
}
