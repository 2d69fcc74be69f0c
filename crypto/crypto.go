// Package crypto provides the Signer/Verifier contract the chain
// controller consumes (spec.md §1: key/signature cryptography is an
// external collaborator, specified by the contract it must meet). Grounded
// on the teacher's pairing of two interoperable secp256k1 implementations
// (btcec/v2 for compact-signature recover, decred's secp256k1 for the
// underlying curve/field arithmetic), the same pairing used for interop
// between legacy and modern signature formats elsewhere in the pack.
package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// NewPrivateKeyFromBytes parses a 32-byte scalar into a PrivateKey.
func NewPrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: private key must be 32 bytes, got %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: priv}, nil
}

// PublicKeyBytes returns the compressed public key.
func (p *PrivateKey) PublicKeyBytes() []byte {
	return p.key.PubKey().SerializeCompressed()
}

// Sign produces a compact, recoverable signature over digest, matching the
// recovery path required by spec.md §4.G ("recover signer keys from
// signatures over hash(chain_id || trx)").
func (p *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	btcPriv, _ := btcec.PrivKeyFromBytes(p.key.Serialize())
	var d [32]byte
	copy(d[:], digest)
	sig := ecdsa.SignCompact(btcPriv, d[:], true)
	return sig, nil
}

// RecoverCompact recovers the signer's compressed public key from a
// compact signature and the digest it was produced over. Returns an error
// if the signature does not parse or does not verify against the
// recovered key (which cannot actually happen for a well-formed compact
// recoverable signature, but the underlying library still threads the
// error).
func RecoverCompact(sig, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return nil, fmt.Errorf("crypto: recover signer key: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// ChainDigest hashes chain_id || canonical transaction bytes, the payload
// spec.md §4.G signatures are produced over.
func ChainDigest(chainID []byte, payload []byte) []byte {
	h := sha256.New()
	h.Write(chainID)
	h.Write(payload)
	return h.Sum(nil)
}
