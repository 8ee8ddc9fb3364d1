package pubsub

import (
	"sync"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
)

// DefaultPeerOutboundQueueSize is the buffer size for a PeerStream's
// outbound push queue.
const DefaultPeerOutboundQueueSize = 32

// outboundGen is one generation of a PeerStream's outbound queue: the push
// channel, a done signal closed once its pump goroutine has drained it, and
// an idempotent, quiet-or-loud end operation. A fresh generation is created
// on every attachOutbound call.
type outboundGen struct {
	queue chan []byte
	done  chan struct{}

	mu      sync.Mutex
	ended   bool
	quiet   bool
	endOnce sync.Once
}

func newOutboundGen(size int) *outboundGen {
	return &outboundGen{
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

// end closes the queue at most once. quiet controls whether the pump's
// eventual cleanup fires PeerStream's close event.
func (g *outboundGen) end(quiet bool) {
	g.endOnce.Do(func() {
		g.mu.Lock()
		g.quiet = quiet
		g.ended = true
		g.mu.Unlock()
		close(g.queue)
	})
}

// send enqueues b, returning ErrNotWritable if the generation has already
// ended. Holding mu across the channel send serialises against a concurrent
// end() closing the same channel.
func (g *outboundGen) send(b []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ended {
		return ErrNotWritable
	}
	g.queue <- b
	return nil
}

// PeerStream holds one connected peer's bidirectional message streams: a
// framed inbound read sequence and a framed outbound push queue, with clean
// replacement when a newer raw stream supersedes an older one and clean
// teardown on disconnect.
type PeerStream struct {
	ID       peer.ID
	Protocol protocol.ID

	outboundQueueSize int
	maxFrameSize      int

	mu          sync.Mutex
	rawInbound  network.MuxedStream
	rawOutbound network.MuxedStream
	inbound     *FrameReader
	outbound    *outboundGen
	readable    bool
	writable    bool

	inboundOnce  sync.Once
	outboundOnce sync.Once
	closeOnce    sync.Once

	// OnInboundStream, OnOutboundStream, and OnClose are the narrow
	// callback surface a Router wires up before a PeerStream is exposed to
	// a policy: at most one call each (OnClose: exactly one).
	OnInboundStream  func(*PeerStream)
	OnOutboundStream func(*PeerStream)
	OnClose          func(*PeerStream)
}

func newPeerStream(id peer.ID, proto protocol.ID) *PeerStream {
	return &PeerStream{
		ID:                id,
		Protocol:          proto,
		outboundQueueSize: DefaultPeerOutboundQueueSize,
		maxFrameSize:      DefaultMaxFrameSize,
	}
}

// attachInbound installs raw as the peer's inbound stream. If an inbound
// stream is already attached, its iterator is cancelled (a clean return, not
// an error) before the new one is installed. stream:inbound fires only on
// the first successful attach for this PeerStream's lifetime.
func (ps *PeerStream) attachInbound(raw network.MuxedStream) <-chan Frame {
	ps.mu.Lock()
	if ps.inbound != nil {
		ps.inbound.Cancel()
	}
	ps.rawInbound = raw
	reader := NewFrameReader(raw, ps.maxFrameSize)
	ps.inbound = reader
	ps.readable = true
	ps.mu.Unlock()

	ps.inboundOnce.Do(func() {
		if ps.OnInboundStream != nil {
			ps.OnInboundStream(ps)
		}
	})

	return reader.Frames()
}

// attachOutbound installs raw as the peer's outbound stream. If an outbound
// queue already exists, it is ended quietly (no close event), drained, and
// only then replaced. stream:outbound fires only on the first successful
// attach for this PeerStream's lifetime.
func (ps *PeerStream) attachOutbound(raw network.MuxedStream) {
	ps.mu.Lock()
	prev := ps.outbound
	ps.mu.Unlock()

	if prev != nil {
		prev.end(true)
		<-prev.done
	}

	gen := newOutboundGen(ps.outboundQueueSize)

	ps.mu.Lock()
	ps.rawOutbound = raw
	ps.outbound = gen
	ps.writable = true
	ps.mu.Unlock()

	go ps.runOutbound(gen, raw)

	ps.outboundOnce.Do(func() {
		if ps.OnOutboundStream != nil {
			ps.OnOutboundStream(ps)
		}
	})
}

// runOutbound pumps gen's queue through the frame codec onto raw until the
// queue ends (quietly replaced, explicitly closed, or a write error forces a
// loud end) or a write fails.
func (ps *PeerStream) runOutbound(gen *outboundGen, raw network.MuxedStream) {
	w := NewFrameWriter(raw)
	errored := false

	for b := range gen.queue {
		if errored {
			continue // draining after a write error; discard the rest
		}
		if err := w.WriteFrame(b); err != nil {
			log.Debugf("pubsub: outbound write error for peer %s: %s", ps.ID, err)
			errored = true
			gen.end(false)
		}
	}

	ps.mu.Lock()
	if ps.outbound == gen {
		_ = raw.Reset() // best-effort
		ps.rawOutbound = nil
		ps.outbound = nil
		ps.writable = false
	}
	ps.mu.Unlock()

	gen.mu.Lock()
	quiet := gen.quiet
	gen.mu.Unlock()

	close(gen.done)

	if !quiet {
		ps.fireClose()
	}
}

// Write enqueues bytes on the peer's outbound queue; the frame codec frames
// them downstream. It fails with ErrNotWritable if no outbound stream is
// currently attached.
func (ps *PeerStream) Write(b []byte) error {
	ps.mu.Lock()
	gen := ps.outbound
	ps.mu.Unlock()

	if gen == nil {
		return ErrNotWritable
	}
	return gen.send(b)
}

// Readable reports whether an inbound stream is currently attached.
func (ps *PeerStream) Readable() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.readable
}

// Writable reports whether an outbound stream is currently attached.
func (ps *PeerStream) Writable() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.writable
}

// Close ends the outbound queue (loud), cancels the inbound iterator, nulls
// all four stream fields, and emits close exactly once. Further Close calls
// are no-ops; Write after Close fails with ErrNotWritable.
func (ps *PeerStream) Close() {
	ps.mu.Lock()
	gen := ps.outbound
	reader := ps.inbound
	ps.mu.Unlock()

	if gen != nil {
		gen.end(false)
		<-gen.done
	}
	if reader != nil {
		reader.Cancel()
	}

	ps.mu.Lock()
	ps.rawInbound = nil
	ps.rawOutbound = nil
	ps.inbound = nil
	ps.outbound = nil
	ps.readable = false
	ps.writable = false
	ps.mu.Unlock()

	ps.fireClose()
}

func (ps *PeerStream) fireClose() {
	ps.closeOnce.Do(func() {
		ps.mu.Lock()
		onClose := ps.OnClose
		ps.mu.Unlock()
		if onClose != nil {
			onClose(ps)
		}
	})
}

// SetOnClose installs the close callback under ps.mu. Router.addPeer uses
// this instead of writing the field directly, since fireClose may read it
// concurrently from the outbound pump or a racing Close call.
func (ps *PeerStream) SetOnClose(fn func(*PeerStream)) {
	ps.mu.Lock()
	ps.OnClose = fn
	ps.mu.Unlock()
}

// clearOnClose removes the close callback under ps.mu. Router.removePeer
// uses this instead of writing the field directly, for the same reason as
// SetOnClose.
func (ps *PeerStream) clearOnClose() {
	ps.mu.Lock()
	ps.OnClose = nil
	ps.mu.Unlock()
}
