package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/wire"
)

// Framing constants.
const (
	// DefaultMaxMessageSize is the RFC 8323 default Max-Message-Size.
	DefaultMaxMessageSize = 1152

	// maxHeaderSize is Len/TKL, up to four extended length bytes and the code.
	maxHeaderSize = 1 + 4 + 1
)

// Framing errors.
var (
	// ErrMessageTooLarge indicates the frame exceeds the maximum size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrFrameTruncated indicates the stream ended inside a frame.
	ErrFrameTruncated = errors.New("frame truncated")
)

// frameLogger is the shared logging state of FrameReader and FrameWriter.
type frameLogger struct {
	logger    log.Logger
	sessionID string
	kind      Kind
	remote    string
}

func (fl *frameLogger) logFrame(data []byte, direction log.Direction) {
	if fl.logger == nil {
		return
	}
	fl.logger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  fl.sessionID,
		Direction:  direction,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		Transport:  fl.kind.String(),
		RemoteAddr: fl.remote,
		Frame:      log.NewFrameEvent(data),
	})
}

// FrameWriter writes complete RFC 8323 frames to an underlying writer.
type FrameWriter struct {
	w              io.Writer
	maxMessageSize int
	mu             sync.Mutex
	frameLogger
}

// NewFrameWriter creates a frame writer with a maximum frame size.
// A non-positive size selects DefaultMaxMessageSize.
func NewFrameWriter(w io.Writer, maxSize int) *FrameWriter {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameWriter{w: w, maxMessageSize: maxSize}
}

// SetLogger configures protocol capture for this writer.
// Pass nil to disable logging.
func (fw *FrameWriter) SetLogger(logger log.Logger, sessionID string, kind Kind, remote string) {
	fw.frameLogger = frameLogger{logger: logger, sessionID: sessionID, kind: kind, remote: remote}
}

// WriteFrame writes one encoded frame in a single write.
// Thread-safe: can be called from multiple goroutines.
func (fw *FrameWriter) WriteFrame(frame []byte) error {
	if len(frame) < 2 {
		return fmt.Errorf("%w: frame of %d bytes", wire.ErrMalformed, len(frame))
	}
	if len(frame) > fw.maxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(frame), fw.maxMessageSize)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	fw.logFrame(frame, log.DirectionOut)
	return nil
}

// WriteMessage encodes m with stream framing and writes it.
func (fw *FrameWriter) WriteMessage(m *wire.Message) error {
	frame, err := wire.MarshalTCP(m)
	if err != nil {
		return err
	}
	return fw.WriteFrame(frame)
}

// FrameReader reads complete RFC 8323 frames from an underlying reader.
type FrameReader struct {
	r              io.Reader
	maxMessageSize int
	header         [maxHeaderSize]byte
	frameLogger
}

// NewFrameReader creates a frame reader with a maximum frame size.
// A non-positive size selects DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameReader{r: r, maxMessageSize: maxSize}
}

// SetLogger configures protocol capture for this reader.
// Pass nil to disable logging.
func (fr *FrameReader) SetLogger(logger log.Logger, sessionID string, kind Kind, remote string) {
	fr.frameLogger = frameLogger{logger: logger, sessionID: sessionID, kind: kind, remote: remote}
}

// ReadFrame reads one frame and returns it whole, header included, so the
// result can be handed to wire.UnmarshalTCP. io.EOF is returned only when
// the stream ends on a frame boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:1]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fr.readErr(err)
	}
	first := fr.header[0]
	extSize := wire.TCPExtendedLengthSize(first)

	// Extended length plus the code byte.
	hdrLen := 1 + extSize + 1
	if _, err := io.ReadFull(fr.r, fr.header[1:hdrLen]); err != nil {
		return nil, fr.readErr(err)
	}

	bodyLen, err := wire.TCPBodyLength(first, fr.header[1:1+extSize])
	if err != nil {
		return nil, err
	}
	tkl := int(first & 0x0f)
	total := hdrLen + tkl + bodyLen
	if total > fr.maxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, total, fr.maxMessageSize)
	}

	frame := make([]byte, total)
	copy(frame, fr.header[:hdrLen])
	if _, err := io.ReadFull(fr.r, frame[hdrLen:]); err != nil {
		return nil, fr.readErr(err)
	}

	fr.logFrame(frame, log.DirectionIn)
	return frame, nil
}

func (fr *FrameReader) readErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
		return ErrFrameTruncated
	}
	return fmt.Errorf("failed to read frame: %w", err)
}

// FrameCode returns the code byte of a complete frame.
func FrameCode(frame []byte) (wire.Code, bool) {
	if len(frame) == 0 {
		return 0, false
	}
	i := 1 + wire.TCPExtendedLengthSize(frame[0])
	if i >= len(frame) {
		return 0, false
	}
	return wire.Code(frame[i]), true
}

// Framer combines frame reading and writing.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer for bidirectional communication.
func NewFramer(rw io.ReadWriter, maxSize int) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw, maxSize),
		FrameWriter: NewFrameWriter(rw, maxSize),
	}
}

// SetLogger configures protocol capture for both directions.
func (f *Framer) SetLogger(logger log.Logger, sessionID string, kind Kind, remote string) {
	f.FrameReader.SetLogger(logger, sessionID, kind, remote)
	f.FrameWriter.SetLogger(logger, sessionID, kind, remote)
}
