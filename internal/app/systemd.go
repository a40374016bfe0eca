package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tellbot/pkg/logx"
)

// notifier wraps sd_notify. Every call is a no-op outside systemd because
// NOTIFY_SOCKET is unset there.
type notifier struct {
	log     logx.Logger
	enabled bool

	notify   func(state string) (bool, error)
	interval func() (time.Duration, error)
}

func newNotifier(log logx.Logger, enabled bool) *notifier {
	return &notifier{
		log:      log,
		enabled:  enabled,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		interval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *notifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings at half the interval systemd asked for, while healthy
// reports true. It returns at once when no watchdog is configured.
func (n *notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	if n == nil || !n.enabled {
		return nil
	}
	every, err := n.interval()
	if err != nil {
		n.log.Warn("watchdog setup failed", logx.Err(err))
		return nil
	}
	if every <= 0 {
		return nil
	}
	tick := every / 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("skipping watchdog ping; app unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
