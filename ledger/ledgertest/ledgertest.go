// Package ledgertest holds fixtures shared by tests that drive a memledger.
package ledgertest

import (
	"crypto/ed25519"
	"testing"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/content"
	"xdao.co/audex/signer"
)

// Key returns a deterministic Ed25519 key for n.
func Key(t testing.TB, n byte) *signer.Key {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = n ^ byte(i*7)
	}
	k, err := signer.NewEd25519Key(seed)
	if err != nil {
		t.Fatalf("NewEd25519Key: %v", err)
	}
	return k
}

// Song returns an audio reference for the given bytes.
func Song(t testing.TB, data string) *content.Reference {
	t.Helper()
	id, err := cidutil.Sum([]byte(data))
	if err != nil {
		t.Fatalf("cidutil.Sum: %v", err)
	}
	return &content.Reference{Digest: id, Size: uint64(len(data)), Media: content.Audio}
}
