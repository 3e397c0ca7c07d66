package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"xdao.co/audex/ledger"
)

const (
	SchemeEd25519    = "ed25519"
	SchemeDilithium3 = "dilithium3"
)

// PartyFor encodes a public key into a party identifier.
func PartyFor(scheme string, pub []byte) (ledger.Party, error) {
	switch scheme {
	case SchemeEd25519:
		if l := len(pub); l != ed25519.PublicKeySize {
			return "", fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
		}
	case SchemeDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return "", fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported scheme %q", scheme)
	}
	return ledger.Party(scheme + ":" + base64.StdEncoding.EncodeToString(pub)), nil
}

// ParseParty splits a party identifier into its scheme and public key bytes.
func ParseParty(p ledger.Party) (scheme string, pub []byte, err error) {
	scheme, enc, ok := strings.Cut(string(p), ":")
	if !ok {
		return "", nil, fmt.Errorf("invalid party %q", p)
	}
	pub, err = decodeBase64(enc)
	if err != nil {
		return "", nil, fmt.Errorf("invalid party key encoding: %w", err)
	}
	if _, err := PartyFor(scheme, pub); err != nil {
		return "", nil, err
	}
	return scheme, pub, nil
}

func decodeBase64(s string) ([]byte, error) {
	// Prefer standard padded encoding, but accept raw encoding too.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
