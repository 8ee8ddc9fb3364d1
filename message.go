package pubsub

import (
	"bytes"
	"io"

	varint "github.com/multiformats/go-varint"

	"github.com/libp2p/go-libp2p-core/peer"
)

// Message is the RPC message record. Field order and tag numbers are fixed
// (see tagFrom..tagKey below) for canonical encoding.
type Message struct {
	From      []byte
	Data      []byte
	Seqno     []byte
	TopicIDs  []string
	Signature []byte // optional
	Key       []byte // optional

	// ReceivedFrom is local-only bookkeeping: the peer ID of the direct
	// neighbour that delivered this message. Never serialised.
	ReceivedFrom peer.ID
}

const (
	tagFrom      = 1
	tagData      = 2
	tagSeqno     = 3
	tagTopicID   = 4
	tagSignature = 5
	tagKey       = 6
)

// Clone returns a deep-enough copy of m suitable for mutating (e.g. to
// attach a signature) without aliasing the caller's slices.
func (m *Message) Clone() *Message {
	out := &Message{
		From:         cloneBytes(m.From),
		Data:         cloneBytes(m.Data),
		Seqno:        cloneBytes(m.Seqno),
		TopicIDs:     append([]string(nil), m.TopicIDs...),
		Signature:    cloneBytes(m.Signature),
		Key:          cloneBytes(m.Key),
		ReceivedFrom: m.ReceivedFrom,
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Encode writes the canonical binary encoding of m, including Signature and
// Key if present.
func Encode(m *Message) []byte {
	return encode(m, true)
}

// encodeForSigning writes the canonical encoding of m with Signature and Key
// fields omitted, regardless of whether they are set on m. This is the
// byte sequence that SignPrefix is prepended to before signing.
func encodeForSigning(m *Message) []byte {
	return encode(m, false)
}

func encode(m *Message, includeSigAndKey bool) []byte {
	var buf bytes.Buffer

	writeField(&buf, tagFrom, m.From)
	writeField(&buf, tagData, m.Data)
	writeField(&buf, tagSeqno, m.Seqno)
	for _, t := range m.TopicIDs {
		writeField(&buf, tagTopicID, []byte(t))
	}
	if includeSigAndKey {
		if len(m.Signature) > 0 {
			writeField(&buf, tagSignature, m.Signature)
		}
		if len(m.Key) > 0 {
			writeField(&buf, tagKey, m.Key)
		}
	}

	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, tag int, v []byte) {
	if v == nil {
		// Absent optional fields are simply not emitted. From/Data/Seqno
		// are always emitted, as zero-length fields when nil, so Decode
		// returns them as empty (non-nil) slices rather than nil.
		if tag == tagFrom || tag == tagData || tag == tagSeqno {
			v = []byte{}
		} else {
			return
		}
	}
	tagBuf := varint.ToUvarint(uint64(tag))
	buf.Write(tagBuf)
	lenBuf := varint.ToUvarint(uint64(len(v)))
	buf.Write(lenBuf)
	buf.Write(v)
}

// Decode parses the canonical binary encoding produced by Encode. Unknown
// tags are skipped and ignored.
func Decode(b []byte) (*Message, error) {
	m := &Message{}
	r := bytes.NewReader(b)

	for r.Len() > 0 {
		tag, err := varint.ReadUvarint(r)
		if err != nil {
			return nil, ErrMalformedFrame
		}
		n, err := varint.ReadUvarint(r)
		if err != nil {
			return nil, ErrMalformedFrame
		}
		val := make([]byte, n)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, ErrMalformedFrame
		}

		switch tag {
		case tagFrom:
			m.From = val
		case tagData:
			m.Data = val
		case tagSeqno:
			m.Seqno = val
		case tagTopicID:
			m.TopicIDs = append(m.TopicIDs, string(val))
		case tagSignature:
			m.Signature = val
		case tagKey:
			m.Key = val
		default:
			// unknown field: ignored, already consumed above
		}
	}

	return m, nil
}
