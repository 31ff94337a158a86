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

package reactor

import (
	"errors"
	"fmt"
	"log/slog"

	dclog "github.com/tombee/daemoncore/internal/log"
	"github.com/tombee/daemoncore/internal/stream"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

type commandEntry struct {
	reg     *Registration
	handler CommandHandler
	perm    Permission
}

// serveCommandSocket handles one ready command socket: identify the
// per-request stream, read the command code, dispatch, tear down.
func (r *Reactor) serveCommandSocket(e *socketEntry) {
	var (
		s        stream.Stream
		accepted bool
	)

	switch ep := e.ep.(type) {
	case stream.Acceptor:
		st, err := ep.Accept(r.opts.AcceptTimeout)
		if err != nil {
			r.requestFailed(resultAcceptError, &dcerrors.RequestError{Op: "accept", Command: -1, Cause: err})
			return
		}
		s = st
		accepted = true
		r.logger.Debug("accepted connection", dclog.Peer(s.Peer()), slog.String(dclog.SocketKey, e.reg.label))
	case stream.Stream:
		s = ep
	default:
		r.logger.Error("command socket is neither an acceptor nor a stream",
			slog.String(dclog.SocketKey, e.reg.label), "type", fmt.Sprintf("%T", e.ep))
		return
	}

	keep, alive := r.serveRequest(s)

	switch {
	case accepted:
		if !keep {
			_ = s.Close()
		}
	case s.Kind() == stream.KindDatagram:
		// The endpoint is shared by every datagram; only the current message
		// ends here.
		r.finishMessage(s)
	default:
		if !keep || !alive {
			r.cancelEntry(e)
			_ = e.ep.Close()
			return
		}
		r.finishMessage(s)
	}
}

// finishMessage sends a reply the handler left unsent and discards whatever
// it left unread, so the next read starts at a new message.
func (r *Reactor) finishMessage(s stream.Stream) {
	s.Encode()
	if err := s.EndOfMessage(); err != nil {
		r.logger.Debug("finishing reply failed", dclog.Peer(s.Peer()), dclog.Error(err))
	}
	s.Decode()
	_ = s.EndOfMessage()
}

// serveRequest reads one command from s and runs its handler. keep reports
// whether the handler returned KeepStream; alive is false if the stream
// failed before a handler ran.
func (r *Reactor) serveRequest(s stream.Stream) (keep, alive bool) {
	// Values left unread by an earlier command on a kept stream are not
	// part of this request.
	s.Decode()
	_ = s.EndOfMessage()
	s.SetTimeout(r.opts.CommandReadTimeout)

	raw, err := s.GetInt()
	if err != nil {
		r.requestFailed(resultReadError, &dcerrors.RequestError{Op: "read_command", Command: -1, Peer: s.Peer(), Cause: err})
		return false, false
	}
	code := int(raw)

	entry, ok := r.commands.Lookup(code)
	if !ok {
		r.metrics.recordCommand(resultUnregistered)
		r.unregistered.Warn("received unregistered command",
			dclog.CommandKey, code,
			dclog.PeerKey, s.Peer(),
		)
		return false, true
	}

	if r.opts.Authorizer != nil && !r.opts.Authorizer.Authorize(entry.perm, code, s) {
		r.metrics.recordCommand(resultDenied)
		r.logger.Debug("command denied",
			dclog.Command(code),
			dclog.Peer(s.Peer()),
			slog.String("permission", entry.perm.String()),
		)
		return false, true
	}

	return r.invokeCommand(code, entry, s), true
}

func (r *Reactor) invokeCommand(code int, e *commandEntry, s stream.Stream) bool {
	ctx, span := r.startSpan("command.dispatch", code, e.reg)
	defer span.End()

	inv := newInvocation(ctx, r, e.reg)
	req := &dclog.Request{
		Command:   code,
		Handler:   e.reg.handler,
		Peer:      s.Peer(),
		Transport: s.Kind().String(),
	}

	keep := false
	start := r.clock.Now()
	err := r.cmdLog.Handle(req, func() error {
		err := e.handler.ServeCommand(inv, code, s)
		if errors.Is(err, KeepStream) {
			keep = true
			return nil
		}
		return err
	})
	inv.finish()
	r.metrics.observeHandler(KindCommand, r.clock.Now().Sub(start))

	switch {
	case err != nil:
		recordSpanError(span, err)
		r.metrics.recordCommand(resultHandlerError)
	case keep:
		r.metrics.recordCommand(resultKept)
	default:
		r.metrics.recordCommand(resultOK)
	}
	return keep
}

// requestFailed logs and counts a dropped request. It never stops the loop.
func (r *Reactor) requestFailed(result string, err *dcerrors.RequestError) {
	r.metrics.recordCommand(result)
	r.logger.Warn("dropped request", dclog.Error(err), slog.String("result", result))
}
