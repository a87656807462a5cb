package blockwise

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/resource"
	"github.com/homecenter/coap-server/pkg/wire"
)

// Defaults.
const (
	// DefaultLifetime is RFC 7252 EXCHANGE_LIFETIME.
	DefaultLifetime = 247 * time.Second

	// DefaultMaxBodySize bounds a reassembled upload.
	DefaultMaxBodySize = 8192
)

// ErrIncomplete maps to 4.08 Request Entity Incomplete.
var ErrIncomplete = fmt.Errorf("%w: request entity incomplete", wire.ErrMalformed)

// Config configures a Store.
type Config struct {
	MaxBodySize int
	Lifetime    time.Duration

	// ProtocolLogger captures exchange state changes (optional).
	ProtocolLogger log.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

type uploadKey struct {
	session string
	token   string
}

type downloadKey struct {
	session string
	path    string
}

// Upload is a Block1 exchange in progress. Body holds at most
// MaxBodySize bytes; Received counts every byte the peer sent.
type Upload struct {
	Path     string
	Body     []byte
	Received int
	Deadline time.Time
}

// Download is a cached Block2 representation.
type Download struct {
	Response resource.Response
	ETag     []byte
	Deadline time.Time
}

// Store holds pending exchanges.
type Store struct {
	cfg       Config
	uploads   map[uploadKey]*Upload
	downloads map[downloadKey]*Download
	etag      uint32
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cfg:       cfg,
		uploads:   make(map[uploadKey]*Upload),
		downloads: make(map[downloadKey]*Download),
	}
}

// Append adds one Block1 block of an upload. When the block clears the
// More flag the reassembled body is returned with done set and the
// exchange is destroyed. Bytes past MaxBodySize are acknowledged but not
// kept, so an oversized upload completes with its first MaxBodySize bytes.
// size1 is the client's total size hint (0 if absent).
func (s *Store) Append(sessionID string, token []byte, path string, blk wire.Block, chunk []byte, size1 uint32) (body []byte, done bool, err error) {
	key := uploadKey{session: sessionID, token: string(token)}

	if blk.More && len(chunk) != blk.Size() {
		s.dropUpload(key, "short block")
		return nil, false, fmt.Errorf("%w: block %s carries %d bytes", ErrIncomplete, blk, len(chunk))
	}

	up := s.uploads[key]
	if blk.Num == 0 {
		if up != nil {
			s.dropUpload(key, "restarted")
		}
		up = &Upload{Path: path, Body: make([]byte, 0, min(int(size1), s.cfg.MaxBodySize))}
		s.uploads[key] = up
		s.logState(sessionID, "", "RECEIVING", path)
	} else if up == nil {
		return nil, false, fmt.Errorf("%w: block %s without a first block", ErrIncomplete, blk)
	}

	if up.Path != path {
		s.dropUpload(key, "path changed")
		return nil, false, fmt.Errorf("%w: path changed from /%s to /%s", ErrIncomplete, up.Path, path)
	}
	if blk.Offset() != up.Received {
		s.dropUpload(key, "offset mismatch")
		return nil, false, fmt.Errorf("%w: block %s at offset %d, have %d bytes", ErrIncomplete, blk, blk.Offset(), up.Received)
	}

	up.Received += len(chunk)
	if room := s.cfg.MaxBodySize - len(up.Body); room > 0 {
		up.Body = append(up.Body, chunk[:min(len(chunk), room)]...)
	}
	up.Deadline = s.cfg.Now().Add(s.cfg.Lifetime)

	if blk.More {
		return nil, false, nil
	}
	delete(s.uploads, key)
	reason := path
	if up.Received > len(up.Body) {
		reason = fmt.Sprintf("%s: truncated %d to %d bytes", path, up.Received, len(up.Body))
	}
	s.logState(sessionID, "RECEIVING", "COMPLETE", reason)
	return up.Body, true, nil
}

// Cache stores resp as the snapshot for follow-up Block2 requests and
// returns the ETag assigned to it.
func (s *Store) Cache(sessionID, path string, resp resource.Response) []byte {
	s.etag++
	tag := make([]byte, 4)
	binary.BigEndian.PutUint32(tag, s.etag)

	s.downloads[downloadKey{session: sessionID, path: path}] = &Download{
		Response: resp,
		ETag:     tag,
		Deadline: s.cfg.Now().Add(s.cfg.Lifetime),
	}
	s.logState(sessionID, "", "SENDING", path)
	return tag
}

// Cached returns the snapshot for (session, path).
func (s *Store) Cached(sessionID, path string) (*Download, bool) {
	d, ok := s.downloads[downloadKey{session: sessionID, path: path}]
	if !ok || !s.cfg.Now().Before(d.Deadline) {
		return nil, false
	}
	return d, true
}

// Release drops the snapshot for (session, path) after its last block.
func (s *Store) Release(sessionID, path string) {
	key := downloadKey{session: sessionID, path: path}
	if _, ok := s.downloads[key]; ok {
		delete(s.downloads, key)
		s.logState(sessionID, "SENDING", "COMPLETE", path)
	}
}

// Invalidate drops every snapshot of path, after the resource changed.
func (s *Store) Invalidate(path string) {
	for key := range s.downloads {
		if key.path == path {
			delete(s.downloads, key)
		}
	}
}

// DropSession removes every exchange of a session.
func (s *Store) DropSession(sessionID string) {
	for key := range s.uploads {
		if key.session == sessionID {
			s.dropUpload(key, "session closed")
		}
	}
	for key := range s.downloads {
		if key.session == sessionID {
			delete(s.downloads, key)
		}
	}
}

// Expire removes exchanges past their deadline and returns how many.
func (s *Store) Expire() int {
	now := s.cfg.Now()
	n := 0
	for key, up := range s.uploads {
		if now.After(up.Deadline) {
			s.dropUpload(key, "timeout")
			n++
		}
	}
	for key, d := range s.downloads {
		if now.After(d.Deadline) {
			delete(s.downloads, key)
			n++
		}
	}
	return n
}

// Len returns the number of pending uploads and cached downloads.
func (s *Store) Len() int { return len(s.uploads) + len(s.downloads) }

func (s *Store) dropUpload(key uploadKey, reason string) {
	up, ok := s.uploads[key]
	if !ok {
		return
	}
	delete(s.uploads, key)
	s.logState(key.session, "RECEIVING", "DROPPED", up.Path+": "+reason)
}

func (s *Store) logState(sessionID, oldState, newState, reason string) {
	if s.cfg.ProtocolLogger == nil {
		return
	}
	s.cfg.ProtocolLogger.Log(log.Event{
		Timestamp: s.cfg.Now(),
		SessionID: sessionID,
		Layer:     log.LayerMessage,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityExchange,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}
