// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package daemon

import (
	"log/slog"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"github.com/tombee/daemoncore/internal/reactor"
)

// heartbeatInterval shortens configured to half the service manager's
// watchdog timeout when a watchdog is armed.
func (d *Daemon) heartbeatInterval(configured time.Duration) time.Duration {
	if d.watchdog > 0 && d.watchdog/2 < configured {
		return d.watchdog / 2
	}
	return configured
}

func (d *Daemon) startHeartbeat() error {
	interval := d.heartbeatInterval(d.cfg.HeartbeatInterval)
	reg, err := d.reactor.RegisterTimer(interval, interval, "heartbeat",
		reactor.TimerHandlerFunc(d.beat), reactor.WithHandlerLabel("beat"))
	if err != nil {
		return err
	}
	d.heartbeat = reg
	return nil
}

// beat logs the state of the tables and pets the watchdog.
func (d *Daemon) beat(inv *reactor.Invocation, _ int) error {
	d.metrics.heartbeats.Inc()
	desc := inv.Reactor().Describe()
	d.logger.Info("heartbeat",
		slog.Duration("uptime", d.opts.Clock.Now().Sub(d.started)),
		slog.Int("commands", len(desc.Commands)),
		slog.Int("signals", len(desc.Signals)),
		slog.Int("sockets", len(desc.Sockets)),
		slog.Int("timers", len(desc.Timers)),
	)
	if d.watchdog > 0 {
		d.notify(sddaemon.SdNotifyWatchdog)
	}
	return nil
}
