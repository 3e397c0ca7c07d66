package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"xdao.co/audex/ledger"
	"xdao.co/audex/money"
)

func seedOf(b byte) []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b + byte(i)
	}
	return seed
}

func TestDeriveRoleSeedDeterministic(t *testing.T) {
	root := seedOf(0)

	a, err := DeriveRoleSeed(root, "seller")
	if err != nil {
		t.Fatalf("DeriveRoleSeed: %v", err)
	}
	b, err := DeriveRoleSeed(root, "seller")
	if err != nil {
		t.Fatalf("DeriveRoleSeed: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected deterministic derivation")
	}
	c, err := DeriveRoleSeed(root, "buyer")
	if err != nil {
		t.Fatalf("DeriveRoleSeed: %v", err)
	}
	if string(a) == string(c) {
		t.Fatalf("expected different roles to derive different seeds")
	}
	if _, err := DeriveRoleSeed(root, "bad role"); err == nil {
		t.Fatalf("expected invalid role to fail")
	}
	if _, err := DeriveRoleSeed(root[:5], "seller"); err == nil {
		t.Fatalf("expected short root seed to fail")
	}
}

func TestPartyRoundTrip(t *testing.T) {
	for _, scheme := range []string{SchemeEd25519, SchemeDilithium3} {
		k, err := NewKey(scheme, seedOf(7))
		if err != nil {
			t.Fatalf("%s: NewKey: %v", scheme, err)
		}
		if !strings.HasPrefix(string(k.Party()), scheme+":") {
			t.Fatalf("%s: unexpected party %q", scheme, k.Party())
		}
		got, _, err := ParseParty(k.Party())
		if err != nil {
			t.Fatalf("%s: ParseParty: %v", scheme, err)
		}
		if got != scheme {
			t.Fatalf("scheme: got %q want %q", got, scheme)
		}

		again, err := NewKey(scheme, seedOf(7))
		if err != nil {
			t.Fatalf("%s: NewKey: %v", scheme, err)
		}
		if again.Party() != k.Party() {
			t.Fatalf("%s: expected the same seed to yield the same party", scheme)
		}
	}
}

func TestParsePartyRejectsGarbage(t *testing.T) {
	for _, p := range []ledger.Party{"", "ed25519", "ed25519:%%%", "ed25519:AAAA", "rsa:AAAA"} {
		if _, _, err := ParseParty(p); err == nil {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestSignVerify(t *testing.T) {
	for _, scheme := range []string{SchemeEd25519, SchemeDilithium3} {
		k, err := NewKey(scheme, seedOf(1))
		if err != nil {
			t.Fatalf("NewKey: %v", err)
		}
		msg := []byte("hello")
		sig, err := k.Sign(msg)
		if err != nil {
			t.Fatalf("%s: Sign: %v", scheme, err)
		}
		if err := Verify(k.Party(), msg, sig); err != nil {
			t.Fatalf("%s: Verify: %v", scheme, err)
		}
		if err := Verify(k.Party(), []byte("hellO"), sig); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("%s: expected ErrBadSignature for a different payload, got %v", scheme, err)
		}
	}
}

func TestKeyringAuthorize(t *testing.T) {
	ed, err := NewEd25519Key(seedOf(2))
	if err != nil {
		t.Fatalf("NewEd25519Key: %v", err)
	}
	dil, err := NewDilithium3Key(seedOf(3))
	if err != nil {
		t.Fatalf("NewDilithium3Key: %v", err)
	}
	kr := NewKeyring(ed, dil)
	if got := kr.Parties(); len(got) != 2 {
		t.Fatalf("expected 2 parties, got %d", len(got))
	}

	for _, k := range []*Key{ed, dil} {
		req := ledger.TransitionRequest{
			Kind:           ledger.Purchase,
			Sender:         k.Party(),
			IdempotencyKey: "k1",
			ListingID:      4,
			Price:          money.NewAmount(10),
			Value:          money.NewAmount(10),
		}
		sr, err := kr.Authorize(context.Background(), req)
		if err != nil {
			t.Fatalf("Authorize: %v", err)
		}
		if sr.Scheme != k.Scheme() {
			t.Fatalf("scheme: got %q want %q", sr.Scheme, k.Scheme())
		}
		if err := VerifyRequest(sr); err != nil {
			t.Fatalf("VerifyRequest: %v", err)
		}

		sr.Request.Value = money.NewAmount(9)
		if err := VerifyRequest(sr); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("expected tampered request to fail verification, got %v", err)
		}
	}

	other, err := NewEd25519Key(seedOf(9))
	if err != nil {
		t.Fatalf("NewEd25519Key: %v", err)
	}
	_, err = kr.Authorize(context.Background(), ledger.TransitionRequest{Kind: ledger.Purchase, Sender: other.Party()})
	if !errors.Is(err, ErrUnknownParty) {
		t.Fatalf("expected ErrUnknownParty, got %v", err)
	}
}

func TestKeyStoreInitDeriveLoad(t *testing.T) {
	ks, err := OpenKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenKeyStore: %v", err)
	}

	root, _, err := ks.Init("alice", seedOf(5), SchemeEd25519, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, _, err := ks.Init("alice", seedOf(6), SchemeEd25519, false); err == nil {
		t.Fatalf("expected Init without overwrite to refuse an existing key")
	}
	role, _, err := ks.Derive("alice", "buyer", SchemeDilithium3, false)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	loaded, err := ks.LoadRef("alice")
	if err != nil {
		t.Fatalf("LoadRef: %v", err)
	}
	if loaded.Party() != root.Party() {
		t.Fatalf("loaded root party mismatch")
	}
	loaded, err = ks.LoadRef("dilithium3:alice/buyer")
	if err != nil {
		t.Fatalf("LoadRef: %v", err)
	}
	if loaded.Party() != role.Party() {
		t.Fatalf("loaded role party mismatch")
	}

	kr, err := ks.Keyring("alice", "dilithium3:alice/buyer")
	if err != nil {
		t.Fatalf("Keyring: %v", err)
	}
	if !kr.Has(root.Party()) || !kr.Has(role.Party()) {
		t.Fatalf("expected keyring to hold both parties")
	}

	entries, err := ks.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "alice" || len(entries[0].Roles) != 1 || entries[0].Roles[0] != "buyer" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
