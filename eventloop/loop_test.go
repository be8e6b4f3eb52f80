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

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarmIntervalFiresRepeatedly(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()

	var count int64
	a := l.NewAlarm(func() { atomic.AddInt64(&count, 1) })
	a.SetInterval(10 * time.Millisecond)

	go l.Run(ctx)
	<-ctx.Done()

	got := atomic.LoadInt64(&count)
	// A 10ms interval over a 600ms window should fire roughly 60 times;
	// allow generous slack for scheduler jitter on a loaded machine.
	require.GreaterOrEqual(t, got, int64(40))
	require.LessOrEqual(t, got, int64(80))
}

func TestAlarmCancelStopsFurtherFires(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var count int64
	a := l.NewAlarm(func() { atomic.AddInt64(&count, 1) })
	a.SetInterval(5 * time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	a.Cancel()
	after := atomic.LoadInt64(&count)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&count))
}

func TestAlarmSetNowFiresImmediately(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan struct{})
	a := l.NewAlarm(func() { close(done) })
	a.SetNow()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("alarm armed with SetNow did not fire promptly")
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run did not observe cancellation within one poll tick")
	}
}
