package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/homecenter/coap-server/pkg/wire"
)

func logJSON(t *testing.T, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	NewSlogAdapter(slog.New(handler)).Log(event)

	if buf.Len() == 0 {
		t.Fatal("no output produced")
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	return entry
}

func TestSlogAdapterLogsFrameEvent(t *testing.T) {
	entry := logJSON(t, Event{
		Timestamp:  time.Now(),
		SessionID:  "s-123",
		Direction:  DirectionIn,
		Layer:      LayerTransport,
		Category:   CategoryMessage,
		Transport:  "udp",
		RemoteAddr: "10.0.0.7:40000",
		Frame:      &FrameEvent{Size: 256, Data: []byte{0x01, 0x02}},
	})

	if entry["session"] != "s-123" {
		t.Errorf("session: got %v, want %q", entry["session"], "s-123")
	}
	if entry["direction"] != "IN" {
		t.Errorf("direction: got %v, want %q", entry["direction"], "IN")
	}
	if entry["transport"] != "udp" {
		t.Errorf("transport: got %v, want %q", entry["transport"], "udp")
	}
	if entry["frame_size"] != float64(256) {
		t.Errorf("frame_size: got %v, want %v", entry["frame_size"], 256)
	}
}

func TestSlogAdapterLogsMessageEvent(t *testing.T) {
	obs := uint32(3)
	entry := logJSON(t, Event{
		Timestamp: time.Now(),
		SessionID: "s-456",
		Direction: DirectionOut,
		Layer:     LayerMessage,
		Category:  CategoryMessage,
		Message: &MessageEvent{
			Kind:      MessageKindNotification,
			Type:      wire.TypeConfirmable,
			Code:      wire.Content,
			MessageID: 42,
			Token:     []byte{0xbe, 0xef},
			Observe:   &obs,
		},
	})

	if entry["mid"] != float64(42) {
		t.Errorf("mid: got %v, want %v", entry["mid"], 42)
	}
	if entry["kind"] != "NOTIFICATION" {
		t.Errorf("kind: got %v, want %q", entry["kind"], "NOTIFICATION")
	}
	if entry["code"] != "2.05 Content" {
		t.Errorf("code: got %v, want %q", entry["code"], "2.05 Content")
	}
	if entry["token"] != "beef" {
		t.Errorf("token: got %v, want %q", entry["token"], "beef")
	}
	if entry["observe"] != float64(3) {
		t.Errorf("observe: got %v, want 3", entry["observe"])
	}
}

func TestSlogAdapterLogsSignal(t *testing.T) {
	entry := logJSON(t, Event{
		Layer:    LayerMessage,
		Category: CategorySignal,
		Signal:   &SignalEvent{Code: wire.Abort, Reason: "bad csm"},
	})
	if entry["signal"] != wire.Abort.String() {
		t.Errorf("signal: got %v, want %q", entry["signal"], wire.Abort.String())
	}
	if entry["reason"] != "bad csm" {
		t.Errorf("reason: got %v", entry["reason"])
	}
}
