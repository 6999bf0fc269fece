package main

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/liblocker/liblocker/internal/clock"
	grpcclient "github.com/liblocker/liblocker/internal/grpc/client"
	"github.com/liblocker/liblocker/internal/protocol"
)

const actionTimeout = 30 * time.Second

func runAction(name string, command []string) {
	if len(command) == 0 {
		slog.Info("No command configured for action", "action", name)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		out, err := exec.CommandContext(ctx, command[0], command[1:]...).CombinedOutput()
		if err != nil {
			slog.Error("Action failed", "action", name, "error", err, "output", string(out))
			return
		}
		slog.Info("Action completed", "action", name)
	}()
}

// buildHooks maps coordinator commands to the configured local commands. The
// machine is locked when a session ends or runs out and unlocked when one starts.
func buildHooks(actions ActionsConfig) grpcclient.Hooks {
	lock := func() { runAction("lock", actions.LockCommand) }
	unlock := func() { runAction("unlock", actions.UnlockCommand) }

	return grpcclient.Hooks{
		OnSessionStart: func(grpcclient.SessionState) { unlock() },
		OnSessionStop:  func(protocol.SessionStop) { lock() },
		OnUnlock:       unlock,
		OnShutdown:     func() { runAction("shutdown", actions.ShutdownCommand) },
		OnWarning: func(r clock.Reading) {
			slog.Warn("Session ending soon", "remaining_minutes", r.RemainingMinutes)
		},
		OnFinished: lock,
		OnMonitorToggle: func(t protocol.MonitorToggle) {
			slog.Info("Installation monitor state", "enabled", t.Enabled, "alert_volume", t.AlertVolume)
		},
	}
}
