package cmd

import (
	"context"
	"time"

	"github.com/off-context/off-context/internal/hook"
	log "github.com/sirupsen/logrus"
)

// runHook answers one host event. It always succeeds: a broken hook must not
// block the host.
func (a *App) runHook(ctx context.Context, args []string) error {
	fs := a.newFlagSet("hook", "[--timeout 10s] < event.json")
	timeout := fs.Duration("timeout", 10*time.Second, "upper bound for handling one event")
	if err := parse(fs, args); err != nil {
		log.WithField("args", args).Warn("hook: ignoring bad flags")
		*timeout = 10 * time.Second
	}

	h := hook.NewHandler(a.reg, *timeout)
	if err := h.Run(ctx, a.Stdin, a.Stdout); err != nil {
		log.WithError(err).Error("hook: response not written")
	}
	return nil
}
