package persistence

import (
	"log/slog"
	"sync"
	"time"
)

// Writer saves states on its own goroutine so callers on the protocol
// goroutine never wait for the disk. Saves for the same path coalesce:
// only the latest state is written.
type Writer struct {
	store  *StateStore
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*ResourceState
	writing map[string]*ResourceState
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewWriter starts a writer in front of store. Close flushes it.
// logger may be nil.
func NewWriter(store *StateStore, logger *slog.Logger) *Writer {
	w := &Writer{
		store:   store,
		logger:  logger,
		pending: make(map[string]*ResourceState),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Save queues state and returns immediately. It returns ErrClosed after
// Close.
func (w *Writer) Save(state *ResourceState) error {
	st := *state
	st.Data = append([]byte(nil), state.Data...)
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.pending[st.Path] = &st
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.mu.Unlock()
	return nil
}

// Load returns the queued state of path if it has not been written yet,
// otherwise the stored one.
func (w *Writer) Load(path string) (*ResourceState, error) {
	w.mu.Lock()
	st, ok := w.pending[path]
	if !ok {
		st, ok = w.writing[path]
	}
	w.mu.Unlock()
	if ok {
		cp := *st
		return &cp, nil
	}
	return w.store.Load(path)
}

// Close writes what is still queued and stops the writer. The store
// itself stays open.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	close(w.wake)
	w.mu.Unlock()

	<-w.done
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	for range w.wake {
		w.flush()
	}
	w.flush()
}

func (w *Writer) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]*ResourceState)
	w.writing = batch
	w.mu.Unlock()

	for _, st := range batch {
		if err := w.store.Save(st); err != nil && w.logger != nil {
			w.logger.Warn("state save failed", "path", st.Path, "error", err)
		}
	}

	w.mu.Lock()
	w.writing = nil
	w.mu.Unlock()
}
