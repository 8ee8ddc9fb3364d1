// Package floodpolicy is a minimal flood-broadcast RoutingPolicy: it
// forwards every message it accepts to every connected peer subscribed to
// one of the message's topics, with no mesh, scoring, or gossip. It exists
// to exercise pubsub.Router's RoutingPolicy hook surface end-to-end; it is
// not itself part of the router base.
//
// Adapted from the historical floodsub broadcast algorithm, a much simpler
// predecessor of mesh-based gossip routing, whose mesh-maintenance and peer
// scoring machinery is deliberately out of scope here.
package floodpolicy

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	timecache "github.com/whyrusleeping/timecache"

	pubsub "github.com/libp2p/go-libp2p-pubsub-core"
)

var log = logging.Logger("floodpolicy")

// SeenCacheTTL bounds how long a (from, seqno) pair is remembered for
// duplicate suppression.
var SeenCacheTTL = 120 * time.Second

// frame kinds, this policy's own minimal wire shape: a single leading tag
// byte distinguishes a topic announcement from a message.
const (
	frameKindAnnounce byte = 0
	frameKindMessage  byte = 1
)

// Policy is a concrete pubsub.RoutingPolicy. It embeds *pubsub.Router to
// inherit BuildMessage/Validate/GetSubscribers and to read/mutate Router's
// exported Topics map.
type Policy struct {
	*pubsub.Router

	mu      sync.Mutex
	mySubs  map[string]struct{}
	seen    *timecache.TimeCache
	seenMu  sync.Mutex
	onDeliver func(*pubsub.Message)
}

// NewPolicy constructs a Router from cfg bound to a fresh flood policy.
func NewPolicy(cfg pubsub.Config, onDeliver func(*pubsub.Message)) (*Policy, error) {
	p := &Policy{
		mySubs:    make(map[string]struct{}),
		seen:      timecache.NewTimeCache(SeenCacheTTL),
		onDeliver: onDeliver,
	}

	r, err := pubsub.NewRouter(cfg, p)
	if err != nil {
		return nil, err
	}
	p.Router = r
	return p, nil
}

// Publish builds, signs (if enabled), marks-seen, and floods data on topic
// to every currently known subscriber of topic.
func (p *Policy) Publish(ctx context.Context, topic string, data []byte) error {
	seqno, err := randSeqno()
	if err != nil {
		return err
	}

	msg := &pubsub.Message{
		From:     []byte(p.PeerID()),
		Data:     data,
		Seqno:    seqno,
		TopicIDs: []string{topic},
	}

	built, err := p.BuildMessage(msg)
	if err != nil {
		return fmt.Errorf("floodpolicy: building message: %w", err)
	}

	p.markSeen(built)
	p.floodToSubscribers(topic, built)
	return nil
}

// Subscribe registers local interest in topic and announces it to every
// connected peer, the first time this policy subscribes to topic.
func (p *Policy) Subscribe(topic string) error {
	p.mu.Lock()
	_, already := p.mySubs[topic]
	p.mySubs[topic] = struct{}{}
	p.mu.Unlock()

	if !already {
		p.announce(topic, true)
	}
	return nil
}

// Unsubscribe withdraws local interest in topic and announces the
// withdrawal, if this was in fact subscribed.
func (p *Policy) Unsubscribe(topic string) error {
	p.mu.Lock()
	_, ok := p.mySubs[topic]
	delete(p.mySubs, topic)
	p.mu.Unlock()

	if ok {
		p.announce(topic, false)
	}
	return nil
}

// GetTopics returns the topics this node is locally subscribed to.
func (p *Policy) GetTopics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.mySubs))
	for t := range p.mySubs {
		out = append(out, t)
	}
	return out
}

// ProcessMessages consumes ps's inbound frames until the sequence ends,
// decoding each as either a topic announcement or a message, validating
// and deduping messages before flooding them onward to our own subscribers.
func (p *Policy) ProcessMessages(ctx context.Context, peerID string, frames <-chan pubsub.Frame, ps *pubsub.PeerStream) {
	for frame := range frames {
		if frame.Err != nil {
			log.Debugf("floodpolicy: inbound stream error from %s: %s", peerID, frame.Err)
			return
		}
		if len(frame.Data) == 0 {
			continue
		}

		switch frame.Data[0] {
		case frameKindAnnounce:
			p.handleAnnounce(ps, frame.Data[1:])
		case frameKindMessage:
			p.handleMessage(ctx, frame.Data[1:])
		default:
			log.Debugf("floodpolicy: unknown frame kind %d from %s", frame.Data[0], peerID)
		}
	}
}

func (p *Policy) handleAnnounce(ps *pubsub.PeerStream, body []byte) {
	if len(body) < 2 {
		return
	}
	subscribe := body[0] == 1
	topic := string(body[1:])

	p.WithTopics(func(topics map[string]map[*pubsub.PeerStream]struct{}) {
		subs, ok := topics[topic]
		if !ok {
			subs = make(map[*pubsub.PeerStream]struct{})
			topics[topic] = subs
		}

		if subscribe {
			subs[ps] = struct{}{}
		} else {
			delete(subs, ps)
		}
	})
}

func (p *Policy) handleMessage(ctx context.Context, body []byte) {
	msg, err := pubsub.Decode(body)
	if err != nil {
		log.Debugf("floodpolicy: malformed message: %s", err)
		return
	}

	if err := p.Validate(msg); err != nil {
		log.Debugf("floodpolicy: dropping invalid message: %s", err)
		return
	}

	if p.alreadySeen(msg) {
		return
	}
	p.markSeen(msg)

	if p.onDeliver != nil {
		p.onDeliver(msg)
	}

	for _, topic := range msg.TopicIDs {
		p.floodToSubscribers(topic, msg)
	}
}

func (p *Policy) floodToSubscribers(topic string, msg *pubsub.Message) {
	ids, err := p.GetSubscribers(topic)
	if err != nil {
		return
	}

	frame := append([]byte{frameKindMessage}, pubsub.Encode(msg)...)

	for _, id := range ids {
		ps, ok := p.PeerByString(id)
		if !ok {
			continue
		}
		if err := ps.Write(frame); err != nil {
			log.Debugf("floodpolicy: dropping message to %s: %s", id, err)
		}
	}
}

func (p *Policy) announce(topic string, subscribe bool) {
	body := make([]byte, 1+len(topic))
	if subscribe {
		body[0] = 1
	}
	copy(body[1:], topic)
	frame := append([]byte{frameKindAnnounce}, body...)

	for _, ps := range p.AllPeers() {
		if err := ps.Write(frame); err != nil {
			log.Debugf("floodpolicy: dropping announce to %s: %s", ps.ID, err)
		}
	}
}

func (p *Policy) alreadySeen(msg *pubsub.Message) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	return p.seen.Has(msgID(msg))
}

func (p *Policy) markSeen(msg *pubsub.Message) {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	p.seen.Add(msgID(msg))
}

func msgID(msg *pubsub.Message) string {
	var b bytes.Buffer
	b.Write(msg.From)
	b.Write(msg.Seqno)
	return b.String()
}

func randSeqno() ([]byte, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
