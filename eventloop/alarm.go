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

package eventloop

import "time"

// alarm is the heap element backing an Alarm. It is unexported; user code
// only ever holds the *Alarm handle below.
type alarm struct {
	fn       func()
	deadline time.Time
	period   time.Duration // 0 for a one-shot alarm
	armed    bool
	index    int // position in the loop's heap, maintained by container/heap
}

type alarmHeap []*alarm

func (h alarmHeap) Len() int            { return len(h) }
func (h alarmHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *alarmHeap) Push(x any) {
	a := x.(*alarm)
	a.index = len(*h)
	*h = append(*h, a)
}

func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// Alarm is a single scheduled task on a Loop: either one-shot (Set) or
// recurring (SetInterval). The source's per-purpose alarm-delegate
// subclasses (handshake polling, session-ready polling, periodic send)
// collapse into this one tagged type, distinguished only by the closure
// passed to NewAlarm.
type Alarm struct {
	loop *Loop
	a    *alarm
}

// NewAlarm creates an Alarm bound to this loop. The alarm does not fire
// until Set or SetInterval is called.
func (l *Loop) NewAlarm(fn func()) *Alarm {
	return &Alarm{loop: l, a: &alarm{fn: fn}}
}

// Set arms the alarm to fire once after d elapses from now.
func (al *Alarm) Set(d time.Duration) {
	al.loop.scheduleAt(al.a, al.loop.Clock().Add(d), 0)
}

// SetNow arms the alarm to fire on the very next loop tick - used for the
// client's handshake-polling alarm, whose first fire is immediate rather
// than period-delayed.
func (al *Alarm) SetNow() {
	al.loop.scheduleAt(al.a, al.loop.Clock(), 0)
}

// SetInterval arms the alarm to fire every period, rearming itself
// exactly period after each firing time. The first fire is period after
// the call; the immediate-first-tick case is reserved for the internal
// handshake poll, via SetNow followed by a period change inside the
// callback.
func (al *Alarm) SetInterval(period time.Duration) {
	al.loop.scheduleAt(al.a, al.loop.Clock().Add(period), period)
}

// Cancel disarms the alarm; once it returns, no further invocation of this
// alarm is pending. Called from inside a callback on the loop goroutine,
// nothing can be in flight either. Called from another goroutine, an
// invocation the loop goroutine had already started runs to completion.
func (al *Alarm) Cancel() {
	al.loop.cancelAlarm(al.a)
}
