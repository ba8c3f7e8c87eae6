package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"playd/internal/app"
	"playd/plugins/crosspoint"
	"playd/plugins/fill"
	"playd/plugins/live"
	"playd/plugins/schedule"
	"playd/plugins/telegram"
	"playd/plugins/videodemo"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	pm := a.Plugins()
	pm.RegisterFactory("videodemo", videodemo.Factory(
		a.Devices(), a.Jobs(), a.Config().Channel.EffectiveFrameRate(), a.Logger()))
	pm.RegisterFactory("crosspoint", crosspoint.Factory(a.Devices(), a.Logger()))
	pm.RegisterFactory("fill", fill.Factory(a.Catcher(), a.Devices(), a.Logger()))
	pm.RegisterFactory("live", live.Factory(a.Catcher(), a.Logger()))
	pm.RegisterFactory("schedule", schedule.Factory(a.Catcher(), a.Logger()))
	pm.RegisterFactory("telegram", telegram.Factory(a.Catcher(), a.Bus(), a.Logger()))

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
