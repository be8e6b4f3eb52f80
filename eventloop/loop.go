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

// Package eventloop provides the single-threaded, cooperative scheduler
// that every wtendpoint client and server runs on. It plays the role the
// QUIC library's own event loop plays in the original C++ implementation
// (quiche::QuicEventLoop): one goroutine owns a clock and a heap of armed
// alarms, and every user callback - session open, datagram read, incoming
// stream, interval fire - is invoked from that same goroutine, so callbacks
// are never reentrant and never need a mutex to protect session/stream
// state.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxPoll bounds how long Loop.Run can sleep before re-checking ctx, so
// cancellation is observed within maxPoll even if no alarm is due sooner.
const maxPoll = 50 * time.Millisecond

// Loop is a single-threaded driver for scheduled work. The zero value is
// not usable; construct with New.
type Loop struct {
	logger *zap.Logger

	mu     sync.Mutex
	alarms alarmHeap
	wake   chan struct{}

	// now is overridable so tests can run without wall-clock waits.
	now func() time.Time
}

// New creates a Loop ready to have alarms registered on it. Run must be
// called (typically in its own goroutine or as the body of a blocking
// client/server lifecycle call) for any alarm to actually fire.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Clock returns the loop's current monotonic time.
func (l *Loop) Clock() time.Time {
	return l.now()
}

// Run drains and fires alarms until ctx is cancelled. It is the Go
// analogue of quiche's RunEventLoopOnce loop driven by a `connected` flag:
// callers cancel ctx to make Run return promptly, within one maxPoll tick.
func (l *Loop) Run(ctx context.Context) error {
	for {
		wait := l.nextWait()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.wake:
			timer.Stop()
			continue
		case <-timer.C:
			l.fireDue()
		}
	}
}

// RunOnce waits up to maxWait for the next alarm to become due, fires every
// alarm that is due at that point, and returns. If an alarm is armed or
// cancelled while it waits, it returns without firing anything. It exists
// for callers that want to pump the loop manually - e.g. a final drain on
// disconnect - rather than block in Run.
func (l *Loop) RunOnce(maxWait time.Duration) {
	wait := l.nextWait()
	if wait > maxWait {
		wait = maxWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-l.wake:
	case <-timer.C:
		l.fireDue()
	}
}

func (l *Loop) nextWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.alarms) == 0 {
		return maxPoll
	}
	wait := l.alarms[0].deadline.Sub(l.now())
	if wait < 0 {
		wait = 0
	}
	if wait > maxPoll {
		wait = maxPoll
	}
	return wait
}

// fireDue pops and runs every alarm whose deadline has passed, rearming
// periodic alarms at (firing time + period). The rearm happens before the
// callback runs, so a Cancel or a new Set from inside the callback wins.
func (l *Loop) fireDue() {
	now := l.now()
	for {
		l.mu.Lock()
		if len(l.alarms) == 0 || l.alarms[0].deadline.After(now) {
			l.mu.Unlock()
			return
		}
		a := heap.Pop(&l.alarms).(*alarm)
		a.armed = false
		if a.period > 0 {
			a.deadline = now.Add(a.period)
			a.armed = true
			heap.Push(&l.alarms, a)
		}
		l.mu.Unlock()

		l.invoke(a)
	}
}

func (l *Loop) invoke(a *alarm) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("alarm callback panicked", zap.Any("recover", r))
		}
	}()
	a.fn()
}

func (l *Loop) scheduleAt(a *alarm, deadline time.Time, period time.Duration) {
	l.mu.Lock()
	a.deadline = deadline
	a.period = period
	if a.armed {
		heap.Fix(&l.alarms, a.index)
	} else {
		a.armed = true
		heap.Push(&l.alarms, a)
	}
	l.mu.Unlock()
	l.nudge()
}

// Post schedules fn to run on the loop goroutine at the next tick, exactly
// like a one-shot alarm firing immediately. It is how callbacks originating
// on a foreign goroutine - a blocking stream read, a datagram receive - get
// folded back onto the single serialized callback stream every other core
// callback runs on.
func (l *Loop) Post(fn func()) {
	l.scheduleAt(&alarm{fn: fn}, l.now(), 0)
}

func (l *Loop) cancelAlarm(a *alarm) {
	l.mu.Lock()
	if a.armed {
		heap.Remove(&l.alarms, a.index)
		a.armed = false
	}
	l.mu.Unlock()
	l.nudge()
}

// nudge wakes Run out of its current wait so a newly armed or cancelled
// alarm is reconsidered immediately instead of after the stale timer.
func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
