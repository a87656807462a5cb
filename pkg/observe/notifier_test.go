package observe

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecenter/coap-server/pkg/resource"
	"github.com/homecenter/coap-server/pkg/wire"
)

type fakeTarget struct {
	id       string
	reliable bool
	sent     []*wire.Message
	fail     error
}

func (f *fakeTarget) ID() string     { return f.id }
func (f *fakeTarget) Reliable() bool { return f.reliable }
func (f *fakeTarget) Send(m *wire.Message) error {
	if f.fail != nil {
		return f.fail
	}
	cp := *m
	f.sent = append(f.sent, &cp)
	return nil
}

type fakeTimer struct {
	at       time.Duration
	fn       func()
	canceled bool
}

// fakeTimers fires callbacks when advanced.
type fakeTimers struct {
	now    time.Duration
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) func() {
	t := &fakeTimer{at: f.now + d, fn: fn}
	f.timers = append(f.timers, t)
	return func() { t.canceled = true }
}

func (f *fakeTimers) advance(d time.Duration) {
	f.now += d
	for {
		sort.Slice(f.timers, func(i, j int) bool { return f.timers[i].at < f.timers[j].at })
		if len(f.timers) == 0 || f.timers[0].at > f.now {
			return
		}
		t := f.timers[0]
		f.timers = f.timers[1:]
		if !t.canceled {
			t.fn()
		}
	}
}

func (f *fakeTimers) pending() int {
	n := 0
	for _, t := range f.timers {
		if !t.canceled {
			n++
		}
	}
	return n
}

func newResource(t *testing.T, observable bool, state *string) *resource.Resource {
	t.Helper()
	reg := resource.NewRegistry()
	res, err := reg.Register("Espressif", observable, resource.Handlers{
		Get: func(*resource.Request) resource.Response {
			return resource.Response{Code: wire.Content, Body: []byte(*state)}
		},
	})
	require.NoError(t, err)
	return res
}

func newNotifier(timers Timers) *Notifier {
	return New(Config{Timers: timers, Rand: func() float64 { return 0 }})
}

func TestSubscribeRequiresObservable(t *testing.T) {
	state := "x"
	n := newNotifier(&fakeTimers{})
	_, err := n.Subscribe(newResource(t, false, &state), &fakeTarget{id: "a"}, []byte{1}, &resource.Request{})
	assert.ErrorIs(t, err, ErrNotObservable)
}

func TestNotifyAllReliable(t *testing.T) {
	state := "RECEIVED COMMAND!"
	res := newResource(t, true, &state)
	n := newNotifier(nil)
	target := &fakeTarget{id: "tcp-1", reliable: true}

	_, err := n.Subscribe(res, target, []byte{0xaa}, &resource.Request{})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n.Sequence("Espressif"))

	for _, s := range []string{"On", "Off", "On"} {
		state = s
		assert.Equal(t, 1, n.NotifyAll(res))
	}

	require.Len(t, target.sent, 3)
	var last uint32
	for i, m := range target.sent {
		seq, ok := m.Observe()
		require.True(t, ok)
		assert.Greater(t, seq, last, "notification %d", i)
		last = seq
		assert.Equal(t, []byte{0xaa}, m.Token)
		assert.Equal(t, wire.Content, m.Code)
	}
	assert.Equal(t, "On", string(target.sent[2].Payload))
	assert.Equal(t, StateSubscribed, mustLookup(t, n, "tcp-1").State())
}

func TestNotifyAllNothingAfterDeregistration(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	n := newNotifier(nil)
	target := &fakeTarget{id: "s", reliable: true}

	n.Subscribe(res, target, []byte{1}, &resource.Request{})
	n.NotifyAll(res)
	require.NoError(t, n.Unsubscribe("Espressif", "s"))
	n.NotifyAll(res)

	assert.Len(t, target.sent, 1)
	assert.Equal(t, 0, n.Count())
	assert.ErrorIs(t, n.Unsubscribe("Espressif", "s"), ErrObserverNotFound)
}

func TestUnsubscribeToken(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	n := newNotifier(nil)
	n.Subscribe(res, &fakeTarget{id: "s", reliable: true}, []byte{1}, &resource.Request{})

	assert.False(t, n.UnsubscribeToken("Espressif", "s", []byte{2}), "other token keeps the registration")
	assert.True(t, n.UnsubscribeToken("Espressif", "s", []byte{1}))
	assert.Equal(t, 0, n.Count())
}

func TestResubscribeReplacesToken(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	n := newNotifier(nil)
	target := &fakeTarget{id: "s", reliable: true}

	n.Subscribe(res, target, []byte{1}, &resource.Request{})
	n.Subscribe(res, target, []byte{2}, &resource.Request{Accept: wire.AppCBOR, HasAccept: true})
	assert.Equal(t, 1, n.Count())

	n.NotifyAll(res)
	require.Len(t, target.sent, 1)
	assert.Equal(t, []byte{2}, target.sent[0].Token)
	assert.True(t, mustLookup(t, n, "s").HasAccept)
}

func TestConfirmableNotificationAcknowledged(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	timers := &fakeTimers{}
	n := newNotifier(timers)
	target := &fakeTarget{id: "udp-1"}

	n.Subscribe(res, target, []byte{1}, &resource.Request{})
	n.NotifyAll(res)

	require.Len(t, target.sent, 1)
	m := target.sent[0]
	assert.Equal(t, wire.TypeConfirmable, m.Type)
	assert.Equal(t, StateDelivering, mustLookup(t, n, "udp-1").State())

	assert.False(t, n.Acknowledge("udp-1", m.MessageID+1))
	assert.True(t, n.Acknowledge("udp-1", m.MessageID))
	assert.Equal(t, StateSubscribed, mustLookup(t, n, "udp-1").State())
	assert.Equal(t, 0, timers.pending())

	timers.advance(time.Minute)
	assert.Len(t, target.sent, 1, "no retransmission after ACK")
}

func TestConfirmableNotificationRetransmitsThenDeregisters(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	timers := &fakeTimers{}
	n := newNotifier(timers)
	target := &fakeTarget{id: "udp-1"}

	n.Subscribe(res, target, []byte{1}, &resource.Request{})
	n.NotifyAll(res)

	// 2 s, then 4, 8, 16 and a final 32 s wait.
	timers.advance(2 * time.Second)
	assert.Len(t, target.sent, 2)
	timers.advance(4 * time.Second)
	timers.advance(8 * time.Second)
	timers.advance(16 * time.Second)
	assert.Len(t, target.sent, 1+DefaultMaxRetransmit)
	for _, m := range target.sent {
		assert.Equal(t, target.sent[0].MessageID, m.MessageID, "retransmissions reuse the message ID")
	}
	assert.Equal(t, 1, n.Count())

	timers.advance(32 * time.Second)
	assert.Equal(t, 0, n.Count())
	assert.Len(t, target.sent, 1+DefaultMaxRetransmit)

	state = "b"
	assert.Equal(t, 0, n.NotifyAll(res))
}

func TestNewerNotificationReplacesInFlight(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	timers := &fakeTimers{}
	n := newNotifier(timers)
	target := &fakeTarget{id: "udp-1"}

	n.Subscribe(res, target, []byte{1}, &resource.Request{})
	n.NotifyAll(res)
	state = "b"
	n.NotifyAll(res)

	require.Len(t, target.sent, 2)
	first, second := target.sent[0], target.sent[1]
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.False(t, n.Acknowledge("udp-1", first.MessageID), "the replaced notification is no longer tracked")
	assert.Equal(t, 1, timers.pending())
	assert.True(t, n.Acknowledge("udp-1", second.MessageID))
}

func TestResetDeregisters(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	n := newNotifier(&fakeTimers{})
	target := &fakeTarget{id: "udp-1"}

	n.Subscribe(res, target, []byte{1}, &resource.Request{})
	n.NotifyAll(res)
	assert.True(t, n.Reset("udp-1", target.sent[0].MessageID))
	assert.Equal(t, 0, n.Count())
}

func TestSendFailureDeregisters(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	n := newNotifier(nil)
	target := &fakeTarget{id: "tcp-1", reliable: true, fail: errors.New("broken pipe")}

	n.Subscribe(res, target, []byte{1}, &resource.Request{})
	assert.Equal(t, 0, n.NotifyAll(res))
	assert.Equal(t, 0, n.Count())
}

func TestDropSession(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	n := newNotifier(&fakeTimers{})
	n.Subscribe(res, &fakeTarget{id: "a", reliable: true}, []byte{1}, &resource.Request{})
	n.Subscribe(res, &fakeTarget{id: "b", reliable: true}, []byte{1}, &resource.Request{})

	assert.Equal(t, 1, n.DropSession("a"))
	assert.Equal(t, 1, n.Count())
	assert.Len(t, n.Observers("Espressif"), 1)
}

func TestMaxObservers(t *testing.T) {
	state := "a"
	res := newResource(t, true, &state)
	n := New(Config{MaxObservers: 1})
	_, err := n.Subscribe(res, &fakeTarget{id: "a", reliable: true}, nil, &resource.Request{})
	require.NoError(t, err)
	_, err = n.Subscribe(res, &fakeTarget{id: "b", reliable: true}, nil, &resource.Request{})
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestSequenceWraps(t *testing.T) {
	n := New(Config{})
	n.seq["p"] = wire.MaxObserveSequence
	assert.Equal(t, uint32(0), n.nextSequence("p"))
	assert.Equal(t, uint32(1), n.nextSequence("p"))
}

func mustLookup(t *testing.T, n *Notifier, session string) *Observer {
	t.Helper()
	o, ok := n.Lookup("Espressif", session)
	require.True(t, ok)
	return o
}
