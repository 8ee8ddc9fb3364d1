package pubsub

import "context"

// RoutingPolicy is the subclass hook surface: the five abstract operations a
// concrete publish/subscribe routing algorithm (flood-style broadcast,
// mesh-style gossip, ...) must provide. A concrete policy typically embeds
// *Router to inherit BuildMessage/Validate/GetSubscribers, read Topics
// directly, and look up peers through Peer/PeerByString/AllPeers, and is
// handed to NewRouter at construction time.
type RoutingPolicy interface {
	// Publish announces data on topic to whatever peers this policy decides
	// should receive it.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers local interest in topic.
	Subscribe(topic string) error

	// Unsubscribe withdraws local interest in topic.
	Unsubscribe(topic string) error

	// GetTopics returns the topics this node is currently subscribed to.
	GetTopics() []string

	// ProcessMessages consumes ps's inbound frame sequence for the peer
	// identified by peerID until it closes (cleanly, on disconnect or
	// cancellation). Implementations typically loop, decode each frame,
	// validate contained messages via Validate, dedupe by (From, Seqno) at
	// their own discretion, and re-dispatch.
	ProcessMessages(ctx context.Context, peerID string, frames <-chan Frame, ps *PeerStream)
}

// UnimplementedRoutingPolicy is embeddable by a partial RoutingPolicy
// implementation. Publish, Subscribe, and Unsubscribe fail with
// ErrNotImplemented until overridden. GetTopics and ProcessMessages have no
// error result and do not report ErrNotImplemented: GetTopics returns nil,
// and ProcessMessages logs a warning and discards every inbound frame.
type UnimplementedRoutingPolicy struct{}

func (UnimplementedRoutingPolicy) Publish(ctx context.Context, topic string, data []byte) error {
	return ErrNotImplemented
}

func (UnimplementedRoutingPolicy) Subscribe(topic string) error {
	return ErrNotImplemented
}

func (UnimplementedRoutingPolicy) Unsubscribe(topic string) error {
	return ErrNotImplemented
}

func (UnimplementedRoutingPolicy) GetTopics() []string {
	return nil
}

func (UnimplementedRoutingPolicy) ProcessMessages(ctx context.Context, peerID string, frames <-chan Frame, ps *PeerStream) {
	log.Warningf("processMessages not implemented; dropping inbound stream from %s", peerID)
	for range frames {
		// drain and discard: the abstract hook was never overridden.
	}
}
