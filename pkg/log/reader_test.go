package log

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/homecenter/coap-server/pkg/wire"
)

func createTestLogFile(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.clog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create test log: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

func readAll(t *testing.T, path string, filter Filter) []Event {
	t.Helper()
	reader, err := NewFilteredReader(path, filter)
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	var read []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return read
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		read = append(read, event)
	}
}

func sampleEvents(base time.Time) []Event {
	return []Event{
		{Timestamp: base, SessionID: "s-A", Transport: "udp", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: base.Add(time.Minute), SessionID: "s-A", Transport: "udp", Direction: DirectionIn, Layer: LayerMessage, Category: CategoryMessage,
			Message: &MessageEvent{Kind: MessageKindRequest, Code: wire.GET, Path: "Espressif"}},
		{Timestamp: base.Add(2 * time.Minute), SessionID: "s-B", Transport: "tcp", Direction: DirectionOut, Layer: LayerMessage, Category: CategorySignal,
			Signal: &SignalEvent{Code: wire.CSM}},
		{Timestamp: base.Add(3 * time.Minute), SessionID: "s-A", Transport: "udp", Direction: DirectionOut, Layer: LayerMessage, Category: CategoryMessage,
			Message: &MessageEvent{Kind: MessageKindResponse, Code: wire.NotFound, Path: "other"}},
		{Timestamp: base.Add(2 * time.Hour), SessionID: "s-C", Transport: "dtls", Direction: DirectionIn, Layer: LayerResource, Category: CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntitySession, NewState: "established"}},
	}
}

func TestReaderIteratesEvents(t *testing.T) {
	path := createTestLogFile(t, sampleEvents(time.Now()))

	read := readAll(t, path, Filter{})
	if len(read) != 5 {
		t.Fatalf("got %d events, want 5", len(read))
	}
	if read[2].Signal == nil || read[2].Signal.Code != wire.CSM {
		t.Errorf("third event Signal = %+v, want CSM", read[2].Signal)
	}
}

func TestReaderHandlesEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	if event, err := reader.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got err=%v, event=%+v", err, event)
	}
}

func TestReaderFilters(t *testing.T) {
	base := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	path := createTestLogFile(t, sampleEvents(base))

	layer := LayerMessage
	dir := DirectionOut
	cat := CategoryState
	start := base.Add(30 * time.Second)
	end := base.Add(time.Hour)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"session", Filter{SessionID: "s-A"}, 3},
		{"transport", Filter{Transport: "tcp"}, 1},
		{"layer", Filter{Layer: &layer}, 3},
		{"direction", Filter{Direction: &dir}, 2},
		{"category", Filter{Category: &cat}, 1},
		{"time range", Filter{TimeStart: &start, TimeEnd: &end}, 3},
		{"path", Filter{Path: "Espressif"}, 1},
		{"combined", Filter{SessionID: "s-A", Layer: &layer, Direction: &dir}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(readAll(t, path, tt.filter)); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}
}
