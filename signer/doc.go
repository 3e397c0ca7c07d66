// Package signer implements the Signer capability used by the ledger gateway.
//
// A Keyring holds Ed25519 and Dilithium3 keys and authorizes transitions for
// the parties whose keys it holds. Party identifiers are "<scheme>:" followed
// by the base64 public key.
//
// KeyStore is a filesystem-backed seed store for command line use. Seeds are
// hex files; per-purpose subkeys are derived deterministically from a root
// seed.
package signer
