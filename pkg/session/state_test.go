package session

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		event   Event
		secure  bool
		want    State
		wantErr bool
	}{
		{"plain connect", StateNone, EventConnected, false, StateEstablished, false},
		{"secure connect", StateNone, EventConnected, true, StateHandshaking, false},
		{"udp first packet", StateNone, EventPacketArrived, false, StateEstablished, false},
		{"secure packet before connect", StateNone, EventPacketArrived, true, StateNone, true},
		{"handshake complete", StateHandshaking, EventHandshakeComplete, true, StateEstablished, false},
		{"handshake failed", StateHandshaking, EventHandshakeFailed, true, StateFailed, false},
		{"handshake timeout", StateHandshaking, EventTimeout, true, StateFailed, false},
		{"packet while handshaking", StateHandshaking, EventPacketArrived, true, StateHandshaking, true},
		{"packet established", StateEstablished, EventPacketArrived, false, StateEstablished, false},
		{"idle timeout", StateEstablished, EventTimeout, false, StateClosed, false},
		{"close established", StateEstablished, EventClose, true, StateClosed, false},
		{"second handshake", StateEstablished, EventHandshakeComplete, true, StateEstablished, true},
		{"closed is terminal", StateClosed, EventPacketArrived, false, StateClosed, true},
		{"failed is terminal", StateFailed, EventClose, true, StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event, tt.secure)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Transition() error = %v, want ErrInvalidTransition", err)
			}
			if got != tt.want {
				t.Errorf("Transition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateNone, StateHandshaking, StateEstablished} {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true", s)
		}
	}
	for _, s := range []State{StateFailed, StateClosed} {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false", s)
		}
	}
}
