package pubsub

import (
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
)

// SignPrefix is prepended to a message's canonical sign-input bytes before
// signing, for domain separation from any other protocol that might reuse
// the same keypair.
const SignPrefix = "libp2p-pubsub:"

// sign computes bytes = SignPrefix || encodeForSigning(m), signs them with
// the local peer's private key, and returns a copy of m with Signature and
// Key populated. Local identity here is simply a peer.ID plus its PrivKey;
// go-libp2p-core/peer and go-libp2p-core/crypto already supply exactly the
// identity and key types needed, with no separate identity type required.
func sign(localID peer.ID, privKey crypto.PrivKey, m *Message) (*Message, error) {
	signed := m.Clone()
	signed.Signature = nil
	signed.Key = nil

	toSign := append([]byte(SignPrefix), encodeForSigning(signed)...)
	sig, err := privKey.Sign(toSign)
	if err != nil {
		return nil, err
	}

	pubKeyBytes, err := crypto.MarshalPublicKey(privKey.GetPublic())
	if err != nil {
		return nil, err
	}

	signed.Signature = sig
	signed.Key = pubKeyBytes
	return signed, nil
}

// verify recovers the sender's public key via messagePublicKey and checks
// the signature over the canonical encoding of m with Signature and Key
// stripped.
func verify(m *Message) (bool, error) {
	pubKey, err := messagePublicKey(m)
	if err != nil {
		return false, err
	}

	unsigned := m.Clone()
	unsigned.Signature = nil
	unsigned.Key = nil
	toVerify := append([]byte(SignPrefix), encodeForSigning(unsigned)...)

	return pubKey.Verify(toVerify, m.Signature)
}

// messagePublicKey recovers the signer's public key: an explicit Key field
// wins (and must match From); otherwise the key is recovered from From
// itself for peer IDs that inline small keys.
func messagePublicKey(m *Message) (crypto.PubKey, error) {
	if len(m.Key) > 0 {
		pubKey, err := crypto.UnmarshalPublicKey(m.Key)
		if err != nil {
			return nil, err
		}

		fromID, err := peer.IDFromBytes(m.From)
		if err != nil {
			return nil, err
		}

		derived, err := peer.IDFromPublicKey(pubKey)
		if err != nil {
			return nil, err
		}

		if derived != fromID {
			return nil, ErrKeyMismatch
		}

		return pubKey, nil
	}

	fromID, err := peer.IDFromBytes(m.From)
	if err != nil {
		return nil, err
	}

	pubKey, err := fromID.ExtractPublicKey()
	if err != nil || pubKey == nil {
		return nil, ErrNoKey
	}

	return pubKey, nil
}
