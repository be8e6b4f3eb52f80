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
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webtransport-go/wtendpoint/eventloop"
)

// ServerConfig configures a Server. All fields except Logger are required.
type ServerConfig struct {
	// Host is the bind address, e.g. "0.0.0.0" or "::".
	Host string
	// Port is the bind UDP port.
	Port int
	// CertFile is a PEM-encoded full certificate chain.
	CertFile string
	// KeyFile is a PEM-encoded private key matching CertFile's leaf.
	KeyFile string
	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Server is a WebTransport endpoint that accepts sessions on a single bind
// address and dispatches each to the registered session callback. It does
// not serve any plain HTTP resource; every request path is treated as a
// WebTransport CONNECT attempt.
type Server struct {
	cfg     ServerConfig
	logger  *zap.Logger
	loop    *eventloop.Loop
	mux     *http.ServeMux
	limiter *rate.Limiter

	onSession SessionCallback
	onBidi    BidiStreamCallback
	onUnidi   UnidiStreamCallback
	onError   ErrorCallback

	wt        *webtransport.Server
	transport *quic.Transport
	listener  *quic.EarlyListener

	initialized bool
}

// NewServer returns a Server ready to have callbacks registered, then
// Initialize and Listen called on it.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		loop:    eventloop.New(logger),
		mux:     http.NewServeMux(),
		limiter: rate.NewLimiter(1000, 1000),
	}
}

// OnSession registers the callback invoked once per session, when it
// becomes ready, replacing any previously registered one.
func (s *Server) OnSession(cb SessionCallback) { s.onSession = cb }

// OnBidiStream registers the incoming-bidirectional-stream callback wired
// onto every session this server accepts.
func (s *Server) OnBidiStream(cb BidiStreamCallback) { s.onBidi = cb }

// OnUnidiStream registers the incoming-unidirectional-stream callback
// wired onto every session this server accepts.
func (s *Server) OnUnidiStream(cb UnidiStreamCallback) { s.onUnidi = cb }

// OnSessionError registers the session error callback wired onto every
// session this server accepts.
func (s *Server) OnSessionError(cb ErrorCallback) { s.onError = cb }

// Initialize loads the certificate chain and key, builds the WebTransport
// backend, and opens the UDP listener. Bind and certificate-load failures
// are fatal and terminate the process, matching this library's documented
// error-handling policy for initialization errors.
func (s *Server) Initialize() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		s.logger.Error("wtendpoint: loading certificate chain and key", zap.Error(err))
		os.Exit(1)
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}}

	quicConf := &quic.Config{
		MaxIncomingStreams:    1000,
		MaxIncomingUniStreams: 1000,
		EnableDatagrams:       true,
		Allow0RTT:             true,
	}

	s.mux.HandleFunc("/", s.handleConnect)
	s.wt = &webtransport.Server{
		H3:          http3.Server{Handler: s.mux, QUICConfig: quicConf},
		CheckOrigin: func(*http.Request) bool { return true },
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		s.logger.Error("wtendpoint: resolving bind address", zap.String("addr", addr), zap.Error(err))
		os.Exit(1)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		s.logger.Error("wtendpoint: binding UDP listener", zap.String("addr", addr), zap.Error(err))
		os.Exit(1)
	}

	s.transport = &quic.Transport{
		Conn:                conn,
		VerifySourceAddress: s.verifySourceAddress,
	}

	listener, err := s.transport.ListenEarly(http3.ConfigureTLSConfig(tlsConf), quicConf)
	if err != nil {
		s.logger.Error("wtendpoint: starting QUIC listener", zap.Error(err))
		os.Exit(1)
	}
	s.listener = listener
	s.initialized = true
	return nil
}

// verifySourceAddress gates the expensive handshake completion behind a
// token-bucket limiter keyed globally per listener, the same
// anti-amplification guard quic-go's retry mechanism exists for.
func (s *Server) verifySourceAddress(net.Addr) bool {
	return !s.limiter.Allow()
}

// Listen runs the accept loop forever, dispatching each new QUIC
// connection to the HTTP/3 + WebTransport stack and pumping this server's
// event loop on a background goroutine. It is this endpoint's only
// blocking suspension point. Accept errors terminate the loop and are
// returned to the caller.
func (s *Server) Listen() error {
	if !s.initialized {
		if err := s.Initialize(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.loop.Run(ctx)

	for {
		conn, err := s.listener.Accept(context.Background())
		if err != nil {
			s.logger.Error("wtendpoint: accept failed", zap.Error(err))
			return fmt.Errorf("wtendpoint: accepting QUIC connection: %w", err)
		}
		go func() {
			if err := s.wt.H3.ServeQUICConn(conn); err != nil {
				s.logger.Debug("wtendpoint: connection handling ended", zap.Error(err))
			}
		}()
	}
}

// handleConnect upgrades a CONNECT request into a WebTransport session and
// posts its ready-state transition onto the event loop.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	ws, err := s.wt.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("wtendpoint: session upgrade failed", zap.Error(err), zap.String("path", path))
		return
	}

	sess := newSession(s.loop, s.logger, ws, path)
	sess.onBidi = s.onBidi
	sess.onUnidi = s.onUnidi
	sess.onError = s.onError

	cb := s.onSession
	s.loop.Post(func() { sess.onReady(cb) })
}

// Close shuts the server down: it stops accepting new connections and
// closes the underlying UDP listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
