package pubsub

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
)

// S1: sign/verify happy path with a 1024-bit RSA key (too large to inline,
// so Key is required on the wire).
func TestSignVerifyRSAHappyPath(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair(crypto.RSA, 1024)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	m := &Message{
		From:     []byte(id),
		Data:     []byte("hello"),
		Seqno:    []byte{1, 2, 3, 4},
		TopicIDs: []string{"t"},
	}

	signed, err := sign(id, priv, m)
	if err != nil {
		t.Fatal(err)
	}

	if len(signed.Key) == 0 {
		t.Fatal("expected Key to be populated for a non-inlineable key type")
	}

	ok, err := verify(signed)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected verify to succeed on an untampered signed message")
	}
}

// S2: inlined key recovery via a secp256k1 key, small enough to embed in
// the peer ID itself.
func TestSignVerifySecp256k1InlinedKey(t *testing.T) {
	priv, pub, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	m := &Message{
		From:     []byte(id),
		Data:     []byte("hello"),
		Seqno:    []byte{9, 9, 9},
		TopicIDs: []string{"t"},
	}

	signed, err := sign(id, priv, m)
	if err != nil {
		t.Fatal(err)
	}

	signed.Key = nil

	ok, err := verify(signed)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected verify to recover the key from From and succeed")
	}
}

func TestVerifyFailsOnTamperedField(t *testing.T) {
	priv, pub, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	m := &Message{
		From:     []byte(id),
		Data:     []byte("hello"),
		Seqno:    []byte{1},
		TopicIDs: []string{"a", "b"},
	}

	signed, err := sign(id, priv, m)
	if err != nil {
		t.Fatal(err)
	}

	tampered := signed.Clone()
	tampered.TopicIDs = []string{"b", "a"} // reorder only

	ok, err := verify(tampered)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected verify to fail after reordering TopicIDs")
	}
}

func TestMessagePublicKeyMismatch(t *testing.T) {
	_, pubA, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	idA, err := peer.IDFromPublicKey(pubA)
	if err != nil {
		t.Fatal(err)
	}

	privB, pubB, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	keyBBytes, err := crypto.MarshalPublicKey(pubB)
	if err != nil {
		t.Fatal(err)
	}

	m := &Message{
		From:  []byte(idA),
		Data:  []byte("x"),
		Seqno: []byte{1},
		Key:   keyBBytes,
	}

	_, err = messagePublicKey(m)
	if err != ErrKeyMismatch {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}

	_ = privB
}
