package log

import (
	"testing"

	"github.com/homecenter/coap-server/pkg/wire"
)

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"direction in", DirectionIn.String(), "IN"},
		{"direction out", DirectionOut.String(), "OUT"},
		{"direction unknown", Direction(99).String(), "UNKNOWN"},
		{"layer transport", LayerTransport.String(), "TRANSPORT"},
		{"layer message", LayerMessage.String(), "MESSAGE"},
		{"layer resource", LayerResource.String(), "RESOURCE"},
		{"layer unknown", Layer(99).String(), "UNKNOWN"},
		{"category message", CategoryMessage.String(), "MESSAGE"},
		{"category signal", CategorySignal.String(), "SIGNAL"},
		{"category state", CategoryState.String(), "STATE"},
		{"category error", CategoryError.String(), "ERROR"},
		{"category unknown", Category(99).String(), "UNKNOWN"},
		{"kind request", MessageKindRequest.String(), "REQUEST"},
		{"kind notification", MessageKindNotification.String(), "NOTIFICATION"},
		{"kind empty", MessageKindEmpty.String(), "EMPTY"},
		{"entity session", StateEntitySession.String(), "SESSION"},
		{"entity context", StateEntityContext.String(), "CONTEXT"},
		{"entity observer", StateEntityObserver.String(), "OBSERVER"},
		{"entity exchange", StateEntityExchange.String(), "EXCHANGE"},
		{"entity unknown", StateEntity(99).String(), "UNKNOWN"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestNewMessageEventRequest(t *testing.T) {
	m := &wire.Message{
		Type:      wire.TypeConfirmable,
		Code:      wire.GET,
		MessageID: 77,
		Token:     []byte{0xca, 0xfe},
	}
	m.SetPath("Espressif")
	m.SetObserve(wire.ObserveRegister)
	m.SetBlock2(wire.Block{Num: 1, SZX: 2})

	ev := NewMessageEvent(m)
	if ev.Kind != MessageKindRequest {
		t.Errorf("Kind = %v, want REQUEST", ev.Kind)
	}
	if ev.Path != "Espressif" {
		t.Errorf("Path = %q, want %q", ev.Path, "Espressif")
	}
	if ev.Observe == nil || *ev.Observe != 0 {
		t.Errorf("Observe = %v, want 0", ev.Observe)
	}
	if ev.Block != "1/0/64" {
		t.Errorf("Block = %q, want %q", ev.Block, "1/0/64")
	}
	if ev.MessageID != 77 {
		t.Errorf("MessageID = %d, want 77", ev.MessageID)
	}
}

func TestNewMessageEventNotification(t *testing.T) {
	m := &wire.Message{Type: wire.TypeConfirmable, Code: wire.Content, Payload: []byte("{}")}
	m.SetObserve(12)

	ev := NewMessageEvent(m)
	if ev.Kind != MessageKindNotification {
		t.Errorf("Kind = %v, want NOTIFICATION", ev.Kind)
	}
	if ev.PayloadSize != 2 {
		t.Errorf("PayloadSize = %d, want 2", ev.PayloadSize)
	}

	ack := NewMessageEvent(&wire.Message{Type: wire.TypeAcknowledgement, Code: wire.Empty})
	if ack.Kind != MessageKindEmpty {
		t.Errorf("empty ACK Kind = %v, want EMPTY", ack.Kind)
	}
}

func TestNewFrameEventTruncates(t *testing.T) {
	small := NewFrameEvent([]byte{1, 2, 3})
	if small.Size != 3 || small.Truncated || len(small.Data) != 3 {
		t.Errorf("small frame = %+v", small)
	}

	big := NewFrameEvent(make([]byte, MaxFrameCapture+10))
	if big.Size != MaxFrameCapture+10 {
		t.Errorf("Size = %d, want %d", big.Size, MaxFrameCapture+10)
	}
	if !big.Truncated || len(big.Data) != MaxFrameCapture {
		t.Errorf("big frame truncated=%v len=%d", big.Truncated, len(big.Data))
	}
}
