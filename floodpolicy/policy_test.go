package floodpolicy

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	lcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"

	pubsub "github.com/libp2p/go-libp2p-pubsub-core"
)

var testMulticodecs = []protocol.ID{"/floodpolicy-test/1.0.0"}

// noopRegistrar satisfies pubsub.Registrar without ever driving a real
// connection; tests that only exercise local subscription bookkeeping
// never invoke any of its methods' callbacks.
type noopRegistrar struct{}

func (noopRegistrar) Handle([]protocol.ID, func(pubsub.IncomingStream)) error { return nil }
func (noopRegistrar) Register(pubsub.Topology) (pubsub.RegistrationHandle, error) {
	return nil, nil
}
func (noopRegistrar) Unregister(pubsub.RegistrationHandle) error { return nil }

func newTestPolicy(t *testing.T) (*Policy, peer.ID, lcrypto.PrivKey) {
	t.Helper()
	priv, pub, err := lcrypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	cfg := pubsub.DefaultConfig()
	cfg.DebugName = "floodpolicy-test"
	cfg.Multicodecs = testMulticodecs
	cfg.PeerID = id
	cfg.PrivKey = priv
	cfg.Registrar = noopRegistrar{}

	p, err := NewPolicy(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p, id, priv
}

func TestSubscribeUnsubscribeTracksLocalTopics(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	if got := p.GetTopics(); len(got) != 0 {
		t.Fatalf("expected no topics initially, got %v", got)
	}

	if err := p.Subscribe("chat"); err != nil {
		t.Fatal(err)
	}
	if got := p.GetTopics(); len(got) != 1 || got[0] != "chat" {
		t.Fatalf("expected [chat], got %v", got)
	}

	// Subscribing again to the same topic must not error or duplicate it.
	if err := p.Subscribe("chat"); err != nil {
		t.Fatal(err)
	}
	if got := p.GetTopics(); len(got) != 1 {
		t.Fatalf("expected subscribing twice to stay idempotent, got %v", got)
	}

	if err := p.Unsubscribe("chat"); err != nil {
		t.Fatal(err)
	}
	if got := p.GetTopics(); len(got) != 0 {
		t.Fatalf("expected no topics after unsubscribe, got %v", got)
	}
}

func TestAlreadySeenDedupesByFromAndSeqno(t *testing.T) {
	p, id, _ := newTestPolicy(t)

	m := &pubsub.Message{
		From:     []byte(id),
		Data:     []byte("hello"),
		Seqno:    []byte{1, 2, 3},
		TopicIDs: []string{"chat"},
	}

	if p.alreadySeen(m) {
		t.Fatal("expected a fresh message to not be seen yet")
	}
	p.markSeen(m)
	if !p.alreadySeen(m) {
		t.Fatal("expected the same (From, Seqno) to be recognised as seen")
	}

	other := m.Clone()
	other.Seqno = []byte{9, 9, 9}
	if p.alreadySeen(other) {
		t.Fatal("expected a different Seqno to not collide with a previously seen message")
	}
}

// fakeMuxedStream adapts a net.Conn to network.MuxedStream for driving a
// Policy's Router through a simulated connection without a real transport.
type fakeMuxedStream struct {
	net.Conn
}

func (f *fakeMuxedStream) Reset() error                       { return f.Conn.Close() }
func (f *fakeMuxedStream) CloseWrite() error                  { return nil }
func (f *fakeMuxedStream) CloseRead() error                   { return nil }
func (f *fakeMuxedStream) SetDeadline(t time.Time) error      { return f.Conn.SetDeadline(t) }
func (f *fakeMuxedStream) SetReadDeadline(t time.Time) error  { return f.Conn.SetReadDeadline(t) }
func (f *fakeMuxedStream) SetWriteDeadline(t time.Time) error { return f.Conn.SetWriteDeadline(t) }

var _ network.MuxedStream = (*fakeMuxedStream)(nil)

// fakeConnection hands out a fixed, pre-opened outbound stream and reports a
// fixed remote peer, standing in for a real libp2p swarm connection.
type fakeConnection struct {
	remote peer.ID
	stream network.MuxedStream
	proto  protocol.ID
}

func (c *fakeConnection) RemotePeer() peer.ID { return c.remote }
func (c *fakeConnection) NewStream(ctx context.Context, protocols ...protocol.ID) (network.MuxedStream, protocol.ID, error) {
	return c.stream, c.proto, nil
}

// capturingRegistrar records the handler and topology a Router registers so
// the test can drive connect/incoming-stream events by hand.
type capturingRegistrar struct {
	handler  func(pubsub.IncomingStream)
	topology pubsub.Topology
}

func (r *capturingRegistrar) Handle(multicodecs []protocol.ID, handler func(pubsub.IncomingStream)) error {
	r.handler = handler
	return nil
}

func (r *capturingRegistrar) Register(topology pubsub.Topology) (pubsub.RegistrationHandle, error) {
	r.topology = topology
	return "handle", nil
}

func (r *capturingRegistrar) Unregister(pubsub.RegistrationHandle) error { return nil }

func newConnectedPolicy(t *testing.T, name string) (*Policy, *capturingRegistrar, peer.ID, lcrypto.PrivKey) {
	t.Helper()
	priv, pub, err := lcrypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	reg := &capturingRegistrar{}
	cfg := pubsub.DefaultConfig()
	cfg.DebugName = name
	cfg.Multicodecs = testMulticodecs
	cfg.PeerID = id
	cfg.PrivKey = priv
	cfg.Registrar = reg

	var delivered []*pubsub.Message
	p, err := NewPolicy(cfg, func(m *pubsub.Message) { delivered = append(delivered, m) })
	if err != nil {
		t.Fatal(err)
	}
	_ = delivered

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return p, reg, id, priv
}

// TestPublishFloodsToConnectedSubscriber wires two policies together over
// an in-memory duplex pair in both directions and checks that a message A
// publishes on a topic B is subscribed to actually reaches B.
func TestPublishFloodsToConnectedSubscriber(t *testing.T) {
	var delivered *pubsub.Message
	doneCh := make(chan struct{}, 1)

	polA, regA, idA, _ := newConnectedPolicy(t, "A")

	privB, pubB, err := lcrypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := peer.IDFromPublicKey(pubB)
	if err != nil {
		t.Fatal(err)
	}
	regB := &capturingRegistrar{}
	cfgB := pubsub.DefaultConfig()
	cfgB.DebugName = "B"
	cfgB.Multicodecs = testMulticodecs
	cfgB.PeerID = idB
	cfgB.PrivKey = privB
	cfgB.Registrar = regB
	polB, err := NewPolicy(cfgB, func(m *pubsub.Message) {
		delivered = m
		select {
		case doneCh <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := polB.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A's outbound stream to B, and B's corresponding inbound view of it.
	aOut, bIn := net.Pipe()
	// B's outbound stream to A, and A's corresponding inbound view of it.
	bOut, aIn := net.Pipe()

	connAtoB := &fakeConnection{remote: idB, stream: &fakeMuxedStream{aOut}, proto: testMulticodecs[0]}
	connBtoA := &fakeConnection{remote: idA, stream: &fakeMuxedStream{bOut}, proto: testMulticodecs[0]}

	// Simulate the topology layer telling each router it connected to the
	// other, which makes each open its outbound stream via fakeConnection.
	regA.topology.OnConnect(idB, connAtoB)
	regB.topology.OnConnect(idA, connBtoA)

	// Simulate each router receiving the peer's outbound stream as its own
	// inbound stream.
	regB.handler(pubsub.IncomingStream{Protocol: testMulticodecs[0], Stream: &fakeMuxedStream{bIn}, Conn: connBtoA})
	regA.handler(pubsub.IncomingStream{Protocol: testMulticodecs[0], Stream: &fakeMuxedStream{aIn}, Conn: connAtoB})

	if err := polB.Subscribe("chat"); err != nil {
		t.Fatal(err)
	}

	// Give the announce frame a moment to be processed by A's inbound loop.
	time.Sleep(50 * time.Millisecond)

	if err := polA.Publish(context.Background(), "chat", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for B to receive A's published message")
	}

	if delivered == nil || string(delivered.Data) != "hello" {
		t.Fatalf("expected delivered message with data %q, got %+v", "hello", delivered)
	}
}
