// Copyright 2015 Matthew Holt and The Caddy Authors
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

package wtendpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/webtransport-go"
	"go.uber.org/zap"

	"github.com/webtransport-go/wtendpoint/eventloop"
)

// SessionState is the accept/reject lifecycle state of a server session.
// Client sessions skip straight to Accepted once the handshake completes,
// since the client itself decided to dial.
type SessionState int

const (
	StateBeforeReady SessionState = iota
	StateReady
	StateAccepted
	StateRejected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateBeforeReady:
		return "before-ready"
	case StateReady:
		return "ready"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DatagramCallback receives one received datagram per invocation, in
// arrival order.
type DatagramCallback func(data []byte)

// BidiStreamCallback receives a newly available incoming bidirectional
// stream, along with the path captured when the session was established.
type BidiStreamCallback func(session *Session, stream *Stream, path string)

// UnidiStreamCallback receives a newly available incoming unidirectional
// stream.
type UnidiStreamCallback func(session *Session, stream *Stream, path string)

// ErrorCallback receives a session-level error. It fires at most once per
// session; the session stops doing further work afterward.
type ErrorCallback func(err error)

// SessionCallback is invoked exactly once, when a server session becomes
// ready. Its return value is the accept decision: returning false rejects
// the session with code 0 unless the callback already called Reject
// itself.
type SessionCallback func(session *Session, path string) bool

// wtSession is the subset of *webtransport.Session this package depends
// on, named so tests can substitute a fake.
type wtSession interface {
	AcceptStream(ctx context.Context) (webtransport.Stream, error)
	AcceptUniStream(ctx context.Context) (webtransport.ReceiveStream, error)
	OpenStreamSync(ctx context.Context) (webtransport.Stream, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	SendDatagram(b []byte) error
	CloseWithError(code webtransport.SessionErrorCode, msg string) error
	Context() context.Context
}

// Session wraps one WebTransport session - either side - presenting the
// datagram, incoming-stream, accept/reject, and interval operations common
// to client and server use. Exactly one Session ever wraps a given
// underlying session handle.
type Session struct {
	id     uuid.UUID
	logger *zap.Logger
	loop   *eventloop.Loop
	ws     wtSession
	path   string

	mu           sync.Mutex
	state        SessionState
	pendingRej   bool
	rejectCode   uint32
	rejectReason string

	onDatagram DatagramCallback
	onBidi     BidiStreamCallback
	onUnidi    UnidiStreamCallback
	onError    ErrorCallback
	interval   *eventloop.Alarm
}

func newSession(loop *eventloop.Loop, logger *zap.Logger, ws wtSession, path string) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:     uuid.New(),
		logger: logger,
		loop:   loop,
		ws:     ws,
		path:   path,
		state:  StateBeforeReady,
	}
}

// ID returns the session's correlation identifier, suitable for attaching
// to log lines spanning its lifetime.
func (sess *Session) ID() uuid.UUID { return sess.id }

// Path returns the request path captured at CONNECT time.
func (sess *Session) Path() string { return sess.path }

// State returns the session's current lifecycle state.
func (sess *Session) State() SessionState {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

// OnDatagram registers the datagram read callback, replacing any
// previously registered one.
func (sess *Session) OnDatagram(cb DatagramCallback) {
	sess.mu.Lock()
	sess.onDatagram = cb
	sess.mu.Unlock()
}

// OnBidiStream registers the incoming-bidirectional-stream callback,
// replacing any previously registered one.
func (sess *Session) OnBidiStream(cb BidiStreamCallback) {
	sess.mu.Lock()
	sess.onBidi = cb
	sess.mu.Unlock()
}

// OnUnidiStream registers the incoming-unidirectional-stream callback,
// replacing any previously registered one.
func (sess *Session) OnUnidiStream(cb UnidiStreamCallback) {
	sess.mu.Lock()
	sess.onUnidi = cb
	sess.mu.Unlock()
}

// OnError registers the session error callback, replacing any previously
// registered one.
func (sess *Session) OnError(cb ErrorCallback) {
	sess.mu.Lock()
	sess.onError = cb
	sess.mu.Unlock()
}

// SetInterval arms a recurring callback on this session's owning event
// loop, cancelling any interval previously registered on it.
func (sess *Session) SetInterval(period time.Duration, cb func()) {
	sess.mu.Lock()
	if sess.interval != nil {
		sess.interval.Cancel()
	}
	sess.interval = sess.loop.NewAlarm(cb)
	sess.interval.SetInterval(period)
	sess.mu.Unlock()
}

// SendDatagram enqueues a datagram for transmission. Datagrams sent on a
// rejected or closed session are silently dropped, matching the no
// delivery guarantee datagrams already carry.
func (sess *Session) SendDatagram(data []byte) error {
	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()

	if state == StateRejected || state == StateClosed {
		return nil
	}
	return sess.ws.SendDatagram(data)
}

// OpenBidi synchronously opens an outgoing bidirectional stream. It is
// available on both client and server sessions.
func (sess *Session) OpenBidi(ctx context.Context) (*Stream, error) {
	str, err := sess.ws.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("wtendpoint: opening bidirectional stream: %w", err)
	}
	return newStream(sess.loop, sess.logger, Bidirectional, str, str), nil
}

// Reject closes the session with a WebTransport session-close code and
// reason. Calling Reject before the session reaches Ready records the
// rejection so it takes effect the instant the session becomes ready,
// without ever invoking the session callback. Calling it after Ready
// (including after Accepted) closes the session immediately. A second
// call once the session is already Rejected or Closed is a no-op.
func (sess *Session) Reject(code uint32, reason string) {
	sess.mu.Lock()
	switch sess.state {
	case StateBeforeReady:
		sess.pendingRej = true
		sess.rejectCode = code
		sess.rejectReason = reason
		sess.mu.Unlock()
		return
	case StateReady, StateAccepted:
		sess.state = StateRejected
		sess.mu.Unlock()
		_ = sess.ws.CloseWithError(webtransport.SessionErrorCode(code), reason)
		return
	default:
		sess.mu.Unlock()
		return
	}
}

// Close tears the session down from the adapter's own side, with no
// particular error code or reason.
func (sess *Session) Close() error {
	sess.mu.Lock()
	if sess.state == StateClosed {
		sess.mu.Unlock()
		return nil
	}
	sess.state = StateClosed
	if sess.interval != nil {
		sess.interval.Cancel()
	}
	sess.mu.Unlock()
	return sess.ws.CloseWithError(0, "")
}

// onReady runs the Ready -> {Accepted, Rejected} transition. It always
// runs on the owning loop's goroutine (posted there by whichever endpoint
// constructed this session), so it never races with Reject being called
// from a user callback on the same tick.
func (sess *Session) onReady(cb SessionCallback) {
	sess.mu.Lock()
	if sess.pendingRej {
		code, reason := sess.rejectCode, sess.rejectReason
		sess.state = StateRejected
		sess.mu.Unlock()
		_ = sess.ws.CloseWithError(webtransport.SessionErrorCode(code), reason)
		return
	}
	sess.state = StateReady
	sess.mu.Unlock()

	if cb == nil {
		sess.accept()
		return
	}

	accept := cb(sess, sess.path)

	sess.mu.Lock()
	rejectedDuringCallback := sess.state == StateRejected
	sess.mu.Unlock()
	if rejectedDuringCallback {
		return
	}

	if accept {
		sess.accept()
	} else {
		sess.Reject(0, "Session rejected by application")
	}
}

// accept transitions the session to Accepted and starts draining incoming
// streams and datagrams. Starting these loops only now - rather than the
// instant the underlying session exists - is what keeps pre-accept
// incoming streams from ever reaching the stream callbacks: the
// underlying library itself queues them until something calls
// AcceptStream/AcceptUniStream, so simply delaying that first call buffers them for
// free.
func (sess *Session) accept() {
	sess.mu.Lock()
	sess.state = StateAccepted
	sess.mu.Unlock()

	go sess.acceptBidiLoop()
	go sess.acceptUnidiLoop()
	go sess.datagramLoop()
}

func (sess *Session) acceptBidiLoop() {
	ctx := sess.ws.Context()
	for {
		str, err := sess.ws.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				sess.reportError(fmt.Errorf("wtendpoint: accepting bidirectional stream: %w", err))
			}
			return
		}
		stream := newStream(sess.loop, sess.logger, Bidirectional, str, str)
		sess.loop.Post(func() {
			sess.mu.Lock()
			cb := sess.onBidi
			path := sess.path
			sess.mu.Unlock()
			if cb != nil {
				cb(sess, stream, path)
			}
		})
	}
}

func (sess *Session) acceptUnidiLoop() {
	ctx := sess.ws.Context()
	for {
		str, err := sess.ws.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				sess.reportError(fmt.Errorf("wtendpoint: accepting unidirectional stream: %w", err))
			}
			return
		}
		stream := newStream(sess.loop, sess.logger, Unidirectional, str, nil)
		sess.loop.Post(func() {
			sess.mu.Lock()
			cb := sess.onUnidi
			path := sess.path
			sess.mu.Unlock()
			if cb != nil {
				cb(sess, stream, path)
			}
		})
	}
}

func (sess *Session) datagramLoop() {
	ctx := sess.ws.Context()
	for {
		data, err := sess.ws.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				sess.reportError(fmt.Errorf("wtendpoint: receiving datagram: %w", err))
			}
			return
		}
		sess.loop.Post(func() {
			sess.mu.Lock()
			cb := sess.onDatagram
			sess.mu.Unlock()
			if cb != nil {
				cb(data)
			}
		})
	}
}

// reportError logs and forwards a session-level error exactly once, then
// closes the session so no further callbacks fire.
func (sess *Session) reportError(err error) {
	sess.logger.Error("session error", zap.String("session", sess.id.String()), zap.Error(err))

	sess.mu.Lock()
	cb := sess.onError
	sess.onError = nil
	sess.mu.Unlock()

	if cb != nil {
		cb(err)
	}
	_ = sess.Close()
}
