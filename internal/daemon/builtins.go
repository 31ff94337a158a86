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
	"fmt"
	"log/slog"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"github.com/tombee/daemoncore/internal/config"
	dclog "github.com/tombee/daemoncore/internal/log"
	"github.com/tombee/daemoncore/internal/reactor"
	"github.com/tombee/daemoncore/internal/stream"
	"github.com/tombee/daemoncore/pkg/protocol"
)

type builtinCommand struct {
	code    int
	handler reactor.CommandHandlerFunc
	label   string
	perm    reactor.Permission
}

type builtinSignal struct {
	sig     int
	label   string
	handler reactor.SignalHandlerFunc
	name    string
}

func (d *Daemon) registerBuiltins() error {
	commands := []builtinCommand{
		{protocol.CmdReconfig, raiseCommand(SigReconfig), "raiseReconfig", reactor.PermAdministrator},
		{protocol.CmdOffGraceful, raiseCommand(SigGraceful), "raiseGraceful", reactor.PermAdministrator},
		{protocol.CmdOffFast, raiseCommand(SigFast), "raiseFast", reactor.PermAdministrator},
		{protocol.CmdQueryInstance, d.serveQueryInstance, "serveQueryInstance", reactor.PermRead},
		{protocol.CmdNop, serveNop, "serveNop", reactor.PermAllow},
	}
	for _, c := range commands {
		if _, err := d.reactor.RegisterCommand(c.code, protocol.CommandName(c.code), c.handler,
			reactor.WithHandlerLabel(c.label), reactor.WithPermission(c.perm)); err != nil {
			return err
		}
	}

	signals := []builtinSignal{
		{SigReconfig, "SIGHUP", d.reconfigure, "reconfigure"},
		{SigGraceful, "SIGTERM", d.stopGraceful, "stopGraceful"},
		{SigFast, "SIGQUIT", d.stopFast, "stopFast"},
	}
	for _, s := range signals {
		if _, err := d.reactor.RegisterSignal(s.sig, s.label, s.handler, reactor.WithHandlerLabel(s.name)); err != nil {
			return err
		}
	}
	return nil
}

// raiseCommand serves a command whose only effect is raising sig.
func raiseCommand(sig int) reactor.CommandHandlerFunc {
	return func(inv *reactor.Invocation, _ int, s stream.Stream) error {
		if err := s.EndOfMessage(); err != nil {
			return err
		}
		return inv.Reactor().Raise(sig)
	}
}

// serveNop acknowledges with a single true so clients can tell a live
// daemon from a silent UDP port.
func serveNop(_ *reactor.Invocation, _ int, s stream.Stream) error {
	if err := s.EndOfMessage(); err != nil {
		return err
	}
	s.Encode()
	if err := s.PutBool(true); err != nil {
		return err
	}
	return s.EndOfMessage()
}

func (d *Daemon) serveQueryInstance(_ *reactor.Invocation, _ int, s stream.Stream) error {
	if err := s.EndOfMessage(); err != nil {
		return err
	}
	s.Encode()
	if err := s.PutString(d.InstanceID()); err != nil {
		return err
	}
	return s.EndOfMessage()
}

func (d *Daemon) stopGraceful(inv *reactor.Invocation, _ int) error {
	d.logger.Info("graceful shutdown requested")
	inv.Reactor().Stop()
	return nil
}

func (d *Daemon) stopFast(inv *reactor.Invocation, _ int) error {
	d.logger.Info("fast shutdown requested")
	d.fast.Store(true)
	inv.Reactor().Stop()
	return nil
}

// reconfigure reloads the configuration file and applies the settings that
// can change at run time. A bad file leaves the running configuration in
// place.
func (d *Daemon) reconfigure(_ *reactor.Invocation, _ int) error {
	d.notify(sddaemon.SdNotifyReloading)
	defer d.notify(sddaemon.SdNotifyReady)

	cfg, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		d.metrics.reloads.WithLabelValues("error").Inc()
		return fmt.Errorf("reload configuration: %w", err)
	}
	if err := d.apply(cfg); err != nil {
		d.metrics.reloads.WithLabelValues("error").Inc()
		return err
	}
	d.metrics.reloads.WithLabelValues("ok").Inc()
	d.logger.Info("configuration reloaded", slog.String("path", d.opts.ConfigPath))
	return nil
}

func (d *Daemon) apply(cfg *config.Config) error {
	old := d.cfg

	dclog.SetLevel(cfg.Log.Level)
	d.reactor.SetCommandReadTimeout(cfg.Reactor.CommandReadTimeout)

	if cfg.HeartbeatInterval != old.HeartbeatInterval && d.heartbeat != nil {
		interval := d.heartbeatInterval(cfg.HeartbeatInterval)
		if err := d.reactor.ResetTimer(d.heartbeat.Key(), interval, interval); err != nil {
			return fmt.Errorf("reschedule heartbeat: %w", err)
		}
	}

	if cfg.Listen != old.Listen {
		d.logger.Warn("listen settings changed; restart to apply")
	}
	if cfg.Metrics != old.Metrics {
		d.logger.Warn("metrics settings changed; restart to apply")
	}
	if cfg.Reactor.CommandTableSize != old.Reactor.CommandTableSize ||
		cfg.Reactor.SignalTableSize != old.Reactor.SignalTableSize ||
		cfg.Reactor.MaxSockets != old.Reactor.MaxSockets ||
		cfg.Reactor.MaxReapers != old.Reactor.MaxReapers {
		d.logger.Warn("table sizes changed; restart to apply")
	}

	// Restart-only settings stay as they were started.
	cfg.Listen = old.Listen
	cfg.Metrics = old.Metrics
	cfg.Tracing = old.Tracing
	cfg.PIDFile = old.PIDFile
	cfg.AddressFile = old.AddressFile
	d.cfg = cfg
	return nil
}
