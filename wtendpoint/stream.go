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
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webtransport-go/wtendpoint/eventloop"
)

// Direction distinguishes a bidirectional stream from a unidirectional one.
type Direction int

const (
	Bidirectional Direction = iota
	Unidirectional
)

func (d Direction) String() string {
	if d == Unidirectional {
		return "unidirectional"
	}
	return "bidirectional"
}

// readCloser is the subset of webtransport.ReceiveStream this package
// depends on.
type readCloser interface {
	io.Reader
}

// writeCloser is the subset of webtransport.SendStream this package
// depends on.
type writeCloser interface {
	io.Writer
	Close() error
}

// ReadCallback receives a stream's data as it arrives. fin is true exactly
// once, on the final delivery, which is always empty.
type ReadCallback func(data []byte, fin bool)

const streamReadBufferSize = 32 * 1024

// Stream wraps a single QUIC stream - incoming or outgoing, uni- or
// bidirectional - adapting its flow-controlled io.Reader/io.Writer surface
// into the send/on_read/set_interval contract the rest of this package
// callbacks against. It is produced by a Session; user code never
// constructs one directly.
type Stream struct {
	logger *zap.Logger
	loop   *eventloop.Loop
	dir    Direction

	recv readCloser
	send writeCloser

	mu           sync.Mutex
	onRead       ReadCallback
	readStarted  bool
	finDelivered bool
	writable     bool
	interval     *eventloop.Alarm
}

func newStream(loop *eventloop.Loop, logger *zap.Logger, dir Direction, recv readCloser, send writeCloser) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		logger:   logger,
		loop:     loop,
		dir:      dir,
		recv:     recv,
		send:     send,
		writable: send != nil,
	}
}

// Direction reports whether this stream is unidirectional or bidirectional.
func (st *Stream) Direction() Direction { return st.dir }

// Send enqueues data for transmission. It returns ErrStreamClosed if the
// stream is not writable - a receive-only (incoming unidirectional) stream,
// a stream already closed, or a stream whose prior write failed. There is
// no partial-write outcome: the call either queues the full payload or
// fails.
func (st *Stream) Send(data []byte) error {
	st.mu.Lock()
	if !st.writable {
		st.mu.Unlock()
		return ErrStreamClosed
	}
	st.mu.Unlock()

	if _, err := st.send.Write(data); err != nil {
		st.mu.Lock()
		st.writable = false
		st.mu.Unlock()
		st.logger.Debug("stream write refused", zap.Error(err))
		return fmt.Errorf("wtendpoint: stream write refused: %w", err)
	}
	return nil
}

// Close closes the send side of the stream, if any, signaling FIN to the
// peer. It does not affect reading.
func (st *Stream) Close() error {
	st.mu.Lock()
	if !st.writable {
		st.mu.Unlock()
		return nil
	}
	st.writable = false
	st.mu.Unlock()
	return st.send.Close()
}

// OnRead registers the read callback, replacing any previously registered
// one, and - on first registration - starts the background read loop that
// delivers bytes to it. A stream with no read callback registered still
// accepts incoming data; it is simply never drained or delivered.
func (st *Stream) OnRead(cb ReadCallback) {
	st.mu.Lock()
	st.onRead = cb
	start := st.recv != nil && !st.readStarted
	if st.recv != nil {
		st.readStarted = true
	}
	st.mu.Unlock()

	if start {
		go st.readLoop()
	}
}

// SetInterval arms a recurring callback on this stream's owning event loop,
// cancelling any interval previously registered on it.
func (st *Stream) SetInterval(period time.Duration, cb func()) {
	st.mu.Lock()
	if st.interval != nil {
		st.interval.Cancel()
	}
	st.interval = st.loop.NewAlarm(cb)
	st.interval.SetInterval(period)
	st.mu.Unlock()
}

// readLoop runs on its own goroutine for the lifetime of the stream,
// translating the underlying io.Reader into the peek/skip algorithm's
// observable contract: zero or more non-empty deliveries, followed by
// exactly one empty delivery marking FIN, and nothing after.
func (st *Stream) readLoop() {
	buf := make([]byte, streamReadBufferSize)
	for {
		n, err := st.recv.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			st.deliver(data, false)
		}
		if err != nil {
			st.deliver(nil, true)
			return
		}
	}
}

func (st *Stream) deliver(data []byte, fin bool) {
	st.loop.Post(func() {
		st.mu.Lock()
		if st.finDelivered {
			st.mu.Unlock()
			return
		}
		if fin {
			st.finDelivered = true
		}
		cb := st.onRead
		st.mu.Unlock()

		if cb != nil {
			cb(data, fin)
		}
	})
}
