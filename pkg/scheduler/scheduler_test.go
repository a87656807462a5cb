package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecenter/coap-server/pkg/transport"
)

func newRecorder() (*Scheduler, *[]transport.Input) {
	var got []transport.Input
	s := New(Config{}, func(in transport.Input) { got = append(got, in) })
	return s, &got
}

func TestProcessHandlesQueuedInputs(t *testing.T) {
	s, got := newRecorder()

	require.True(t, s.Post(transport.Input{Kind: transport.InputPacket, Data: []byte{1}}))
	require.True(t, s.Post(transport.Input{Kind: transport.InputPacket, Data: []byte{2}}))
	require.True(t, s.Post(transport.Input{Kind: transport.InputClosed}))

	_, err := s.Process(context.Background(), time.Second)
	require.NoError(t, err)

	require.Len(t, *got, 3)
	assert.Equal(t, []byte{1}, (*got)[0].Data)
	assert.Equal(t, []byte{2}, (*got)[1].Data)
	assert.Equal(t, transport.InputClosed, (*got)[2].Kind)
}

func TestProcessWaitsAtMostMaxWait(t *testing.T) {
	s, got := newRecorder()

	elapsed, err := s.Process(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Empty(t, *got)
}

func TestProcessReturnsEarlyOnInput(t *testing.T) {
	s, got := newRecorder()

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Post(transport.Input{Kind: transport.InputPacket})
	}()

	elapsed, err := s.Process(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Len(t, *got, 1)
}

func TestProcessFatalInput(t *testing.T) {
	s, got := newRecorder()

	s.Post(transport.Input{Kind: transport.InputFatal, Transport: transport.KindUDP, Err: errors.New("socket gone")})

	_, err := s.Process(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.Contains(t, err.Error(), "udp")
	assert.Empty(t, *got)
}

func TestProcessContextCancelled(t *testing.T) {
	s, _ := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Process(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseStopsPost(t *testing.T) {
	s, _ := newRecorder()
	s.Close()
	s.Close()

	assert.False(t, s.Post(transport.Input{Kind: transport.InputPacket}))
	assert.False(t, s.Call(func() {}))

	_, err := s.Process(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCloseUnblocksFullQueue(t *testing.T) {
	s := New(Config{QueueSize: 1}, func(transport.Input) {})
	require.True(t, s.Post(transport.Input{}))

	done := make(chan bool)
	go func() { done <- s.Post(transport.Input{}) }()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Post did not return after Close")
	}
}

func TestTimersFireInOrder(t *testing.T) {
	s, _ := newRecorder()

	var fired []string
	s.AfterFunc(30*time.Millisecond, func() { fired = append(fired, "late") })
	s.AfterFunc(5*time.Millisecond, func() { fired = append(fired, "early") })
	s.AfterFunc(5*time.Millisecond, func() { fired = append(fired, "early-second") })
	assert.Equal(t, 3, s.Timers())

	deadline := time.Now().Add(time.Second)
	for len(fired) < 3 && time.Now().Before(deadline) {
		_, err := s.Process(context.Background(), 100*time.Millisecond)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"early", "early-second", "late"}, fired)
	assert.Zero(t, s.Timers())
}

func TestTimerCancel(t *testing.T) {
	s, _ := newRecorder()

	fired := false
	cancel := s.AfterFunc(time.Millisecond, func() { fired = true })
	other := s.AfterFunc(time.Hour, func() {})
	cancel()
	cancel()
	assert.Equal(t, 1, s.Timers())

	time.Sleep(5 * time.Millisecond)
	_, err := s.Process(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, fired)

	other()
	assert.Zero(t, s.Timers())
}

func TestTimerScheduledFromTimer(t *testing.T) {
	s, _ := newRecorder()

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			s.AfterFunc(time.Millisecond, tick)
		}
	}
	s.AfterFunc(time.Millisecond, tick)

	deadline := time.Now().Add(time.Second)
	for count < 3 && time.Now().Before(deadline) {
		_, err := s.Process(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, count)
}

func TestCallRunsOnProcessGoroutine(t *testing.T) {
	s, _ := newRecorder()

	var mu sync.Mutex
	ran := false
	go func() {
		err := s.CallWait(context.Background(), func() {
			mu.Lock()
			ran = true
			mu.Unlock()
		})
		assert.NoError(t, err)
	}()

	_, err := s.Process(context.Background(), time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ran)
}

func TestRunHousekeeping(t *testing.T) {
	s, _ := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	ticks := 0
	err := s.Run(ctx, 10*time.Millisecond, func() {
		ticks++
		if ticks == 3 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, ticks)
}

func TestProcessFiresTimersUnderLoad(t *testing.T) {
	handled := 0
	s := New(Config{}, func(transport.Input) { handled++ })

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s.Post(transport.Input{Kind: transport.InputPacket}) {
			}
		}()
	}
	defer func() {
		s.Close()
		wg.Wait()
	}()

	fired := false
	s.AfterFunc(10*time.Millisecond, func() { fired = true })

	deadline := time.Now().Add(2 * time.Second)
	for !fired && time.Now().Before(deadline) {
		elapsed, err := s.Process(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
		assert.Less(t, elapsed, time.Second, "Process must return while inputs keep arriving")
	}
	assert.True(t, fired, "timer starved by a busy queue")
	assert.Positive(t, handled)
}
