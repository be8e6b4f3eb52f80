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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"go.uber.org/zap"

	"github.com/webtransport-go/wtendpoint/certverify"
	"github.com/webtransport-go/wtendpoint/eventloop"
)

const handshakePollInterval = 10 * time.Millisecond

// OpenCallback receives the session once the client's handshake completes
// and the WebTransport session is ready to use.
type OpenCallback func(session *Session)

// ClientConfig configures a Client. URL is required; Headers, Policy, and
// Logger each fall back to a documented default when left zero.
type ClientConfig struct {
	// URL is the target, e.g. "https://localhost:4433/echo". The scheme
	// must be https.
	URL string
	// Headers overrides the default CONNECT header set on key collision.
	Headers http.Header
	// Policy controls certificate verification. Defaults to the system
	// trust store checked against the URL's host.
	Policy *certverify.Policy
	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// ParseClientURL validates raw the way Client construction requires:
// well-formed, https scheme, non-empty host.
func ParseClientURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("wtendpoint: %w: %v", ErrURLInvalid, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("wtendpoint: %w: scheme %q, want https", ErrURLInvalid, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("wtendpoint: %w: missing host", ErrURLInvalid)
	}
	return u, nil
}

type dialOutcome struct {
	resp *http.Response
	sess *webtransport.Session
	err  error
}

// Client is a WebTransport endpoint that dials a single server URL and
// drives the resulting session's event loop. Construct with NewClient,
// register callbacks, call Connect, then RunEventLoop.
type Client struct {
	cfg    ClientConfig
	u      *url.URL
	logger *zap.Logger
	loop   *eventloop.Loop
	dialer *webtransport.Dialer

	onOpen  OpenCallback
	onBidi  BidiStreamCallback
	onUnidi UnidiStreamCallback
	onError ErrorCallback

	connected      atomic.Bool
	dialResult     chan dialOutcome
	handshakeAlarm *eventloop.Alarm
	readyAlarm     *eventloop.Alarm
	session        *Session
	cancelRun      context.CancelFunc
}

// NewClient validates cfg and returns a Client ready to have callbacks
// registered and Connect called on it.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := ParseClientURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := cfg.Policy
	if policy == nil {
		policy, err = certverify.NewDefault(u.Hostname())
		if err != nil {
			return nil, fmt.Errorf("wtendpoint: building default certificate policy: %w", err)
		}
	}
	cfg.Policy = policy

	return &Client{
		cfg:    cfg,
		u:      u,
		logger: logger,
		loop:   eventloop.New(logger),
	}, nil
}

// OnSessionOpen registers the callback invoked once the session is ready,
// replacing any previously registered one.
func (c *Client) OnSessionOpen(cb OpenCallback) { c.onOpen = cb }

// OnBidiStream registers the incoming-bidirectional-stream callback wired
// onto the session once it opens.
func (c *Client) OnBidiStream(cb BidiStreamCallback) { c.onBidi = cb }

// OnUnidiStream registers the incoming-unidirectional-stream callback
// wired onto the session once it opens.
func (c *Client) OnUnidiStream(cb UnidiStreamCallback) { c.onUnidi = cb }

// OnSessionError registers the session error callback wired onto the
// session once it opens, and also used to report handshake-time failures
// that occur before any session exists.
func (c *Client) OnSessionError(cb ErrorCallback) { c.onError = cb }

// Connect resolves the target, begins the QUIC handshake, and arms the
// handshake-polling alarm. It returns once the dial has been started; the
// session becomes available asynchronously through OnSessionOpen once
// RunEventLoop is pumping the loop.
func (c *Client) Connect(ctx context.Context) error {
	c.dialResult = make(chan dialOutcome, 1)

	transport := &http3.Transport{
		TLSClientConfig: c.cfg.Policy.TLSConfig(),
		QUICConfig: &quic.Config{
			MaxIncomingStreams:    1000,
			MaxIncomingUniStreams: 1000,
			EnableDatagrams:       true,
			MaxIdleTimeout:        5 * time.Minute,
			HandshakeIdleTimeout:  10 * time.Second,
		},
	}
	c.dialer = &webtransport.Dialer{Transport: transport}

	go c.dial(ctx)

	c.handshakeAlarm = c.loop.NewAlarm(c.pollHandshake)
	c.handshakeAlarm.SetNow()
	return nil
}

func (c *Client) dial(ctx context.Context) {
	headers := BuildHeaders(c.u, c.cfg.Headers)
	resp, sess, err := c.dialer.Dial(ctx, c.u.String(), headers)
	c.dialResult <- dialOutcome{resp: resp, sess: sess, err: err}
}

// pollHandshake is the handshake-polling alarm: it fires every 10ms
// checking whether the dial goroutine has produced an outcome yet. Once it
// has, this alarm disarms itself and the session-readiness alarm takes
// over for exactly one immediate tick, mirroring the two-alarm handoff the
// original client performs with separate delegate classes.
func (c *Client) pollHandshake() {
	select {
	case outcome := <-c.dialResult:
		c.handshakeAlarm.Cancel()
		c.readyAlarm = c.loop.NewAlarm(func() { c.onDialOutcome(outcome) })
		c.readyAlarm.SetNow()
	default:
		c.handshakeAlarm.SetInterval(handshakePollInterval)
	}
}

func (c *Client) onDialOutcome(outcome dialOutcome) {
	c.readyAlarm.Cancel()

	if outcome.err != nil {
		c.reportError(fmt.Errorf("wtendpoint: connection lost or failed: %w", outcome.err))
		return
	}
	if outcome.sess == nil {
		status := 0
		if outcome.resp != nil {
			status = outcome.resp.StatusCode
		}
		c.reportError(fmt.Errorf("wtendpoint: server rejected WebTransport session with status: %d", status))
		return
	}

	sess := newSession(c.loop, c.logger, outcome.sess, c.u.Path)
	sess.onBidi = c.onBidi
	sess.onUnidi = c.onUnidi
	sess.onError = c.onError
	c.session = sess

	sess.mu.Lock()
	sess.state = StateAccepted
	sess.mu.Unlock()

	go sess.acceptBidiLoop()
	go sess.acceptUnidiLoop()
	go sess.datagramLoop()

	if c.onOpen != nil {
		c.onOpen(sess)
	}
}

func (c *Client) reportError(err error) {
	c.logger.Error("client handshake error", zap.Error(err))
	if c.onError != nil {
		c.onError(err)
	}
	c.Disconnect()
}

// RunEventLoop blocks, pumping the event loop, until Disconnect is called
// or ctx is cancelled. It is the client's only blocking suspension point.
func (c *Client) RunEventLoop(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.connected.Store(true)

	err := c.loop.Run(runCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Disconnect clears the connected flag, cancels both handshake alarms,
// closes any open session, drains one final loop tick, and stops
// RunEventLoop.
func (c *Client) Disconnect() {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	if c.handshakeAlarm != nil {
		c.handshakeAlarm.Cancel()
	}
	if c.readyAlarm != nil {
		c.readyAlarm.Cancel()
	}
	if c.session != nil {
		_ = c.session.Close()
	}
	c.loop.RunOnce(50 * time.Millisecond)
	if c.cancelRun != nil {
		c.cancelRun()
	}
}
