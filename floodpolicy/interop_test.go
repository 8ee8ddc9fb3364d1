package floodpolicy

import (
	"bytes"
	"net"
	"testing"

	ggio "github.com/gogo/protobuf/io"

	pubsub "github.com/libp2p/go-libp2p-pubsub-core"
)

// rawBytesMessage adapts an opaque byte slice to gogo/protobuf's
// proto.Message interface, marshaling and unmarshaling it verbatim. This
// lets ggio's delimited reader/writer carry exactly the same payloads this
// module's own frame codec does, so the two can be driven against each
// other directly.
type rawBytesMessage []byte

func (m *rawBytesMessage) Reset()         { *m = nil }
func (m *rawBytesMessage) String() string { return string(*m) }
func (m *rawBytesMessage) ProtoMessage()  {}

func (m *rawBytesMessage) Marshal() ([]byte, error) {
	return []byte(*m), nil
}

func (m *rawBytesMessage) Unmarshal(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

// TestGgioWriterInteropsWithFrameReader writes length-prefixed frames with
// the vendored ggio delimited writer and confirms this module's own
// FrameReader decodes them identically: both are varint length-prefixed
// byte sequences over the same wire.
func TestGgioWriterInteropsWithFrameReader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := ggio.NewDelimitedWriter(client)
	r := pubsub.NewFrameReader(server, 0)
	defer r.Cancel()

	payloads := [][]byte{[]byte("one"), []byte("two")}

	go func() {
		for _, p := range payloads {
			msg := rawBytesMessage(p)
			if err := w.WriteMsg(&msg); err != nil {
				return
			}
		}
	}()

	for _, want := range payloads {
		frame := <-r.Frames()
		if frame.Err != nil {
			t.Fatal(frame.Err)
		}
		if !bytes.Equal(frame.Data, want) {
			t.Fatalf("got %q, want %q", frame.Data, want)
		}
	}
}

// TestFrameWriterInteropsWithGgioReader writes frames with this module's own
// FrameWriter and confirms the vendored ggio delimited reader decodes them
// identically.
func TestFrameWriterInteropsWithGgioReader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := pubsub.NewFrameWriter(client)
	r := ggio.NewDelimitedReader(server, pubsub.DefaultMaxFrameSize)

	go func() {
		_ = w.WriteFrame([]byte("hello"))
	}()

	var msg rawBytesMessage
	if err := r.ReadMsg(&msg); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, []byte("hello")) {
		t.Fatalf("got %q, want %q", []byte(msg), "hello")
	}
}
