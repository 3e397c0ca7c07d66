package signer

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"

	"xdao.co/audex/ledger"
)

var ErrBadSignature = errors.New("signature invalid")

// digestFor returns the digest a scheme signs. Ed25519 signs sha256(payload);
// Dilithium3 signs sha3-256(payload).
func digestFor(scheme string, payload []byte) ([]byte, error) {
	switch scheme {
	case SchemeEd25519:
		s := sha256.Sum256(payload)
		return s[:], nil
	case SchemeDilithium3:
		s := sha3.Sum256(payload)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	}
}

// Key is one signing key. The zero value is unusable.
type Key struct {
	scheme string
	party  ledger.Party
	ed     ed25519.PrivateKey
	dil    *mode3.PrivateKey
}

// NewEd25519Key returns the Ed25519 key for a 32 byte seed.
func NewEd25519Key(seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	party, err := PartyFor(SchemeEd25519, priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Key{scheme: SchemeEd25519, party: party, ed: priv}, nil
}

// NewDilithium3Key deterministically expands a 32 byte seed into a
// Dilithium3 keypair.
func NewDilithium3Key(seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	xof := sha3.NewShake256()
	_, _ = xof.Write([]byte("audex-dilithium3-v1"))
	_, _ = xof.Write(seed)
	pk, sk, err := mode3.GenerateKey(xof)
	if err != nil {
		return nil, err
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	party, err := PartyFor(SchemeDilithium3, pub)
	if err != nil {
		return nil, err
	}
	return &Key{scheme: SchemeDilithium3, party: party, dil: sk}, nil
}

// NewKey builds a key of the given scheme from a seed.
func NewKey(scheme string, seed []byte) (*Key, error) {
	switch scheme {
	case SchemeEd25519, "":
		return NewEd25519Key(seed)
	case SchemeDilithium3:
		return NewDilithium3Key(seed)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	}
}

func (k *Key) Party() ledger.Party { return k.party }
func (k *Key) Scheme() string      { return k.scheme }

// Sign signs the scheme digest of payload.
func (k *Key) Sign(payload []byte) ([]byte, error) {
	digest, err := digestFor(k.scheme, payload)
	if err != nil {
		return nil, err
	}
	switch k.scheme {
	case SchemeEd25519:
		return ed25519.Sign(k.ed, digest), nil
	case SchemeDilithium3:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(k.dil, digest, sig)
		return sig, nil
	}
	return nil, fmt.Errorf("unsupported scheme %q", k.scheme)
}

// Verify checks sig over payload against the public key encoded in party.
func Verify(party ledger.Party, payload, sig []byte) error {
	scheme, pub, err := ParseParty(party)
	if err != nil {
		return err
	}
	digest, err := digestFor(scheme, payload)
	if err != nil {
		return err
	}
	switch scheme {
	case SchemeEd25519:
		if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
			return ErrBadSignature
		}
	case SchemeDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
		if len(sig) != mode3.SignatureSize || !mode3.Verify(&pk, digest, sig) {
			return ErrBadSignature
		}
	}
	return nil
}

// VerifyRequest checks that sr was authorized by its sender.
func VerifyRequest(sr ledger.SignedRequest) error {
	scheme, _, err := ParseParty(sr.Request.Sender)
	if err != nil {
		return err
	}
	if scheme != sr.Scheme {
		return fmt.Errorf("scheme %q does not match sender scheme %q", sr.Scheme, scheme)
	}
	payload, err := sr.Request.SigningBytes()
	if err != nil {
		return err
	}
	return Verify(sr.Request.Sender, payload, sr.Signature)
}
