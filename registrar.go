package pubsub

import (
	"context"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
)

// Connection is the narrow slice of a libp2p connection the router needs:
// who the remote peer is, and the ability to open a new outbound stream on
// it, so a host implementation doesn't need to hand the router its full
// connection type.
type Connection interface {
	RemotePeer() peer.ID
	NewStream(ctx context.Context, protocols ...protocol.ID) (network.MuxedStream, protocol.ID, error)
}

// IncomingStream is what a Registrar hands to the handler registered via
// Handle when a remote peer opens a stream speaking one of our protocols.
type IncomingStream struct {
	Protocol protocol.ID
	Stream   network.MuxedStream
	Conn     Connection
}

// Topology groups the protocol ids a router cares about with the connect and
// disconnect callbacks a Registrar should invoke for them.
type Topology struct {
	Multicodecs  []protocol.ID
	OnConnect    func(peer.ID, Connection)
	OnDisconnect func(peer.ID, error)
}

// RegistrationHandle is the opaque receipt returned by Register and consumed
// by Unregister. Its contents are owned entirely by the Registrar
// implementation.
type RegistrationHandle interface{}

// Registrar is the host node's registry for protocol handlers and
// connection-topology notifications: an explicit, validated capability set
// in place of a duck-typed registrar — Handle, Register, Unregister, nothing
// more.
type Registrar interface {
	// Handle registers handler for incoming streams on any of multicodecs.
	Handle(multicodecs []protocol.ID, handler func(IncomingStream)) error

	// Register records topology's connect/disconnect callbacks and returns
	// an opaque receipt to be passed to Unregister later.
	Register(topology Topology) (RegistrationHandle, error)

	// Unregister reverses a prior Register call and removes the incoming
	// stream handler.
	Unregister(handle RegistrationHandle) error
}
