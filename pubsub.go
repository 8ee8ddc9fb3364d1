package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
)

// Config is the Router's construction-time configuration. DebugName,
// Multicodecs, PeerID, and Registrar are required; failure to supply them
// signals ErrInvalidConfig. SignMessages and StrictSigning default to true.
type Config struct {
	DebugName   string
	Multicodecs []protocol.ID
	PeerID      peer.ID
	PrivKey     crypto.PrivKey // required when SignMessages is true
	Registrar   Registrar

	// SignMessages and StrictSigning default to true when built via
	// DefaultConfig; use RouterOptions to disable them explicitly, since
	// Config has no way to distinguish "false" from "unset" on its own.
	SignMessages  bool
	StrictSigning bool

	PeerOutboundQueueSize int
	MaxFrameSize          int
}

// DefaultConfig returns a Config with SignMessages, StrictSigning,
// PeerOutboundQueueSize, and MaxFrameSize set to their documented defaults.
// Callers fill in DebugName/Multicodecs/PeerID/PrivKey/Registrar and pass
// the result to NewRouter.
func DefaultConfig() Config {
	return Config{
		SignMessages:          true,
		StrictSigning:         true,
		PeerOutboundQueueSize: DefaultPeerOutboundQueueSize,
		MaxFrameSize:          DefaultMaxFrameSize,
	}
}

// RouterOption customises a Config at construction time via the standard
// functional-option pattern.
type RouterOption func(*Config) error

// WithSignMessages enables or disables outbound message signing.
func WithSignMessages(enabled bool) RouterOption {
	return func(c *Config) error {
		c.SignMessages = enabled
		return nil
	}
}

// WithStrictSigning enables or disables strict-signing validation of
// inbound messages.
func WithStrictSigning(enabled bool) RouterOption {
	return func(c *Config) error {
		c.StrictSigning = enabled
		return nil
	}
}

// WithPeerOutboundQueueSize sets the buffer size for each peer's outbound
// push queue.
func WithPeerOutboundQueueSize(size int) RouterOption {
	return func(c *Config) error {
		if size <= 0 {
			return fmt.Errorf("%w: outbound queue size must be positive", ErrInvalidConfig)
		}
		c.PeerOutboundQueueSize = size
		return nil
	}
}

// WithMaxFrameSize sets the ceiling on a single inbound frame's payload.
func WithMaxFrameSize(n int) RouterOption {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max frame size must be positive", ErrInvalidConfig)
		}
		c.MaxFrameSize = n
		return nil
	}
}

// Router is the pubsub router base: it owns the per-peer registry, drives
// start/running/stopped lifecycle against a Registrar, and dispatches
// inbound streams to a RoutingPolicy. Concrete routing policies embed
// *Router to inherit BuildMessage/Validate/GetSubscribers and read
// Topics directly.
type Router struct {
	debugName   string
	multicodecs []protocol.ID
	peerID      peer.ID
	privKey     crypto.PrivKey
	registrar   Registrar

	signMessages  bool
	strictSigning bool

	outboundQueueSize int
	maxFrameSize      int

	policy RoutingPolicy

	mu              sync.RWMutex
	started         bool
	peers           map[string]*PeerStream
	registrarHandle RegistrationHandle

	// Topics maps a topic string to the set of PeerStreams known to be
	// subscribed to it. Ownership is the embedding RoutingPolicy's: it
	// mutates Topics as subscription announcements arrive; the base only
	// reads it, from GetSubscribers.
	Topics map[string]map[*PeerStream]struct{}
}

// NewRouter applies opts to cfg, validates the result, and constructs a
// Router bound to policy. policy may itself embed the returned *Router (the
// common case for a concrete routing algorithm), so NewRouter does not
// invoke any policy methods. Start from DefaultConfig() to get the
// documented SignMessages/StrictSigning/queue-size/frame-size defaults.
func NewRouter(cfg Config, policy RoutingPolicy, opts ...RouterOption) (*Router, error) {
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.DebugName == "" {
		return nil, fmt.Errorf("%w: DebugName is required", ErrInvalidConfig)
	}
	if len(cfg.Multicodecs) == 0 {
		return nil, fmt.Errorf("%w: at least one multicodec is required", ErrInvalidConfig)
	}
	if cfg.PeerID == "" {
		return nil, fmt.Errorf("%w: PeerID is required", ErrInvalidConfig)
	}
	if cfg.Registrar == nil {
		return nil, fmt.Errorf("%w: Registrar is required", ErrInvalidConfig)
	}
	if policy == nil {
		return nil, fmt.Errorf("%w: RoutingPolicy is required", ErrInvalidConfig)
	}

	if cfg.SignMessages && cfg.PrivKey == nil {
		return nil, fmt.Errorf("%w: PrivKey is required when SignMessages is enabled", ErrInvalidConfig)
	}
	if cfg.StrictSigning && !cfg.SignMessages {
		return nil, fmt.Errorf("%w: strict signature verification enabled but message signing is disabled", ErrInvalidConfig)
	}

	queueSize := cfg.PeerOutboundQueueSize
	if queueSize <= 0 {
		queueSize = DefaultPeerOutboundQueueSize
	}
	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}

	r := &Router{
		debugName:         cfg.DebugName,
		multicodecs:       cfg.Multicodecs,
		peerID:            cfg.PeerID,
		privKey:           cfg.PrivKey,
		registrar:         cfg.Registrar,
		signMessages:      cfg.SignMessages,
		strictSigning:     cfg.StrictSigning,
		outboundQueueSize: queueSize,
		maxFrameSize:      maxFrame,
		policy:            policy,
		peers:             make(map[string]*PeerStream),
		Topics:            make(map[string]map[*PeerStream]struct{}),
	}
	return r, nil
}

// PeerID returns the router's local identity.
func (r *Router) PeerID() peer.ID { return r.peerID }

// Start is idempotent: registering the inbound-stream handler and the
// connection topology with the Registrar only happens on the first call.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.registrar.Handle(r.multicodecs, r.onIncomingStream); err != nil {
		return fmt.Errorf("pubsub: registering stream handler: %w", err)
	}

	handle, err := r.registrar.Register(Topology{
		Multicodecs:  r.multicodecs,
		OnConnect:    r.onPeerConnected,
		OnDisconnect: r.onPeerDisconnected,
	})
	if err != nil {
		return fmt.Errorf("pubsub: registering topology: %w", err)
	}

	r.mu.Lock()
	r.registrarHandle = handle
	r.started = true
	r.mu.Unlock()
	return nil
}

// Stop is idempotent: a Stop without a prior Start is a no-op. Stop does
// not fail if individual peer closes do; registrar errors are logged and
// swallowed to guarantee teardown progress.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	handle := r.registrarHandle
	peers := r.peers
	r.peers = make(map[string]*PeerStream)
	r.started = false
	r.registrarHandle = nil
	r.mu.Unlock()

	if err := r.registrar.Unregister(handle); err != nil {
		log.Warningf("pubsub: unregister during stop: %s", err)
	}

	var wg sync.WaitGroup
	for _, ps := range peers {
		wg.Add(1)
		go func(ps *PeerStream) {
			defer wg.Done()
			ps.Close()
		}(ps)
	}
	wg.Wait()
}

// addPeer returns the existing PeerStream for id if one exists; otherwise
// it constructs one, stores it, and arranges for removePeer to run when the
// PeerStream closes.
func (r *Router) addPeer(id peer.ID, proto protocol.ID) *PeerStream {
	key := id.String()

	r.mu.Lock()
	if existing, ok := r.peers[key]; ok {
		r.mu.Unlock()
		return existing
	}

	ps := newPeerStream(id, proto)
	ps.outboundQueueSize = r.outboundQueueSize
	ps.maxFrameSize = r.maxFrameSize
	ps.SetOnClose(func(closed *PeerStream) {
		r.removePeer(closed.ID)
	})
	r.peers[key] = ps
	r.mu.Unlock()

	return ps
}

// removePeer removes id's PeerStream from the registry, if present, and
// closes it. Returns the removed PeerStream, or nil if id was unknown.
func (r *Router) removePeer(id peer.ID) *PeerStream {
	key := id.String()

	r.mu.Lock()
	ps, ok := r.peers[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.peers, key)
	ps.clearOnClose()
	r.mu.Unlock()

	ps.Close()
	return ps
}

// Peer returns the PeerStream for id, if connected.
func (r *Router) Peer(id peer.ID) (*PeerStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.peers[id.String()]
	return ps, ok
}

// PeerByString returns the PeerStream keyed by b58, the same base58 form
// GetSubscribers returns, if connected.
func (r *Router) PeerByString(b58 string) (*PeerStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.peers[b58]
	return ps, ok
}

// AllPeers returns a snapshot of every currently connected PeerStream.
func (r *Router) AllPeers() []*PeerStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerStream, 0, len(r.peers))
	for _, ps := range r.peers {
		out = append(out, ps)
	}
	return out
}

// PeerCount returns the number of currently connected peers.
func (r *Router) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// WithTopics runs fn with exclusive access to Topics, since the
// RoutingPolicy mutates it concurrently with the base's own reads from
// GetSubscribers.
func (r *Router) WithTopics(fn func(topics map[string]map[*PeerStream]struct{})) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.Topics)
}

// onIncomingStream is the Registrar's Handle callback: it derives the
// remote peer's identity, attaches stream as that peer's inbound stream,
// and dispatches the resulting frame sequence to the policy's
// ProcessMessages hook.
func (r *Router) onIncomingStream(in IncomingStream) {
	id := in.Conn.RemotePeer()
	ps := r.addPeer(id, in.Protocol)
	frames := ps.attachInbound(in.Stream)
	go r.policy.ProcessMessages(context.Background(), id.String(), frames, ps)
}

// onPeerConnected is the Registrar's topology OnConnect callback: it opens
// our own outbound stream on conn and attaches it. A failure to negotiate a
// new stream is logged and leaves the peer without an outbound; inbound
// traffic may still succeed, and a retry occurs only on a new connect event.
func (r *Router) onPeerConnected(id peer.ID, conn Connection) {
	ps := r.addPeer(id, "")

	stream, proto, err := conn.NewStream(context.Background(), r.multicodecs...)
	if err != nil {
		log.Warningf("pubsub: opening outbound stream to %s: %s", id, err)
		return
	}
	ps.Protocol = proto
	ps.attachOutbound(stream)
}

// onPeerDisconnected is the Registrar's topology OnDisconnect callback. A
// "socket hang up" is the ordinary shape of a remote-initiated close and is
// logged at error level but otherwise handled the same as any disconnect;
// a spurious disconnect for an unknown peer is a no-op via removePeer.
func (r *Router) onPeerDisconnected(id peer.ID, err error) {
	switch {
	case err != nil && err.Error() == "socket hang up":
		log.Errorf("pubsub: peer %s disconnected: %s", id, err)
	case err != nil:
		log.Warningf("pubsub: peer %s disconnected: %s", id, err)
	}
	r.removePeer(id)
}

// BuildMessage normalises message's fields and, when message signing is
// enabled, signs it with the router's local identity.
func (r *Router) BuildMessage(message *Message) (*Message, error) {
	normalised := message.Clone()
	if normalised.TopicIDs == nil {
		normalised.TopicIDs = []string{}
	}

	if !r.signMessages {
		return normalised, nil
	}
	return sign(r.peerID, r.privKey, normalised)
}

// Validate checks message against the router's signing policy: a missing
// signature fails under strict signing, and a present-but-invalid signature
// always fails.
func (r *Router) Validate(message *Message) error {
	if len(message.Signature) == 0 {
		if r.strictSigning {
			return ErrMissingSignature
		}
		return nil
	}

	ok, err := verify(message)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// GetSubscribers returns the base58 ids of the PeerStreams subscribed to
// topic, in iteration order. It fails with ErrNotStarted if the router has
// not been started, or ErrInvalidTopic if topic is empty.
func (r *Router) GetSubscribers(topic string) ([]string, error) {
	r.mu.RLock()
	started := r.started
	subs, ok := r.Topics[topic]
	r.mu.RUnlock()

	if !started {
		return nil, ErrNotStarted
	}
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if !ok {
		return []string{}, nil
	}

	out := make([]string, 0, len(subs))
	for ps := range subs {
		out = append(out, ps.ID.String())
	}
	return out, nil
}
