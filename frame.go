package pubsub

import (
	"context"
	"io"

	msgio "github.com/libp2p/go-msgio"
)

// DefaultMaxFrameSize bounds an individual frame's payload.
const DefaultMaxFrameSize = 1 << 20

// Frame is one decoded payload pulled off a PeerStream's inbound stream, or
// the error that ended the sequence. A FrameReader never sends both a
// non-nil Err and further frames afterwards: Err, if present, is always the
// last value sent before the channel closes.
type Frame struct {
	Data []byte
	Err  error
}

// FrameReader decodes a duplex byte stream into a cancellable sequence of
// frames: callers range over Frames() and see a clean channel close on
// cancellation, never a panic or a spurious error.
type FrameReader struct {
	r      msgio.ReadCloser
	frames chan Frame
	cancel context.CancelFunc
}

// NewFrameReader wraps raw in a varint length-prefixed decoder bounded by
// maxSize and starts pumping decoded frames onto a buffered channel. The
// reader's Cancel method stops the pump; Frames() closes once the pump has
// observed cancellation or a terminal read error.
func NewFrameReader(raw io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	fr := &FrameReader{
		r:      msgio.NewVarintReaderSize(raw, maxSize),
		frames: make(chan Frame, 1),
		cancel: cancel,
	}
	go fr.pump(ctx)
	return fr
}

func (fr *FrameReader) pump(ctx context.Context) {
	defer close(fr.frames)
	for {
		msg, err := fr.r.ReadMsg()
		if err != nil {
			select {
			case <-ctx.Done():
				// cancellation races a read error/EOF; treat as clean stop.
				return
			default:
			}
			if err != io.EOF {
				select {
				case fr.frames <- Frame{Err: wrapFrameErr(err)}:
				case <-ctx.Done():
				}
			}
			return
		}

		cp := make([]byte, len(msg))
		copy(cp, msg)
		fr.r.ReleaseMsg(msg)

		select {
		case fr.frames <- Frame{Data: cp}:
		case <-ctx.Done():
			return
		}
	}
}

// Frames returns the channel of decoded frames. It closes when the reader is
// cancelled or the underlying stream ends.
func (fr *FrameReader) Frames() <-chan Frame {
	return fr.frames
}

// Cancel signals the pump goroutine to stop. Cancellation is non-throwing:
// the consumer simply observes Frames() close.
func (fr *FrameReader) Cancel() {
	fr.cancel()
	_ = fr.r.Close()
}

func wrapFrameErr(err error) error {
	if err == nil {
		return nil
	}
	return &frameError{underlying: err}
}

type frameError struct {
	underlying error
}

func (e *frameError) Error() string { return "pubsub: " + e.underlying.Error() + ": " + ErrMalformedFrame.Error() }
func (e *frameError) Unwrap() error { return ErrMalformedFrame }

// FrameWriter frames outbound byte payloads with a varint length prefix.
type FrameWriter struct {
	w msgio.WriteCloser
}

// NewFrameWriter wraps raw in a varint length-prefixed encoder.
func NewFrameWriter(raw io.Writer) *FrameWriter {
	return &FrameWriter{w: msgio.NewVarintWriter(raw)}
}

// WriteFrame writes one length-prefixed frame.
func (fw *FrameWriter) WriteFrame(b []byte) error {
	return fw.w.WriteMsg(b)
}

// Close closes the underlying varint writer.
func (fw *FrameWriter) Close() error {
	return fw.w.Close()
}
