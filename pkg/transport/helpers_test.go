package transport

import (
	"context"
	"testing"
	"time"
)

// chanSink collects inputs on a buffered channel.
type chanSink struct {
	ch chan Input
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan Input, 64)}
}

func (s *chanSink) Post(in Input) bool {
	select {
	case s.ch <- in:
		return true
	default:
		return false
	}
}

// next waits for the next input of the given kind, skipping others.
func (s *chanSink) next(t *testing.T, kind InputKind) Input {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case in := <-s.ch:
			if in.Kind == kind {
				return in
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s input", kind)
			return Input{}
		}
	}
}

func openTest(t *testing.T, kind Kind, cfg Config, sink Sink) Endpoint {
	t.Helper()
	ep, err := Open(context.Background(), kind, "127.0.0.1:0", cfg, sink)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", kind, err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}
