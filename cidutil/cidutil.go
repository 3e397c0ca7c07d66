// Package cidutil computes and checks the content digests used across the
// store, the ledger and the catalog: CIDv1, raw codec, sha2-256 multihash.
package cidutil

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	ErrUndefined = errors.New("cidutil: undefined cid")
	ErrMismatch  = errors.New("cidutil: bytes do not match cid")
)

// Sum returns the CIDv1 (raw + sha2-256) derived from data.
func Sum(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// String is Sum rendered as a string; it returns "" if hashing fails.
func String(data []byte) string {
	id, err := Sum(data)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1 length,
		// this should be unreachable.
		return ""
	}
	return id.String()
}

// Parse decodes s and requires the raw codec with a sha2-256 multihash.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: decode %q: %w", s, err)
	}
	if err := Check(id); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

// Check rejects CIDs that are not CIDv1 raw + sha2-256.
func Check(id cid.Cid) error {
	if !id.Defined() {
		return ErrUndefined
	}
	p := id.Prefix()
	if p.Version != 1 || p.Codec != cid.Raw || p.MhType != multihash.SHA2_256 {
		return fmt.Errorf("cidutil: unsupported cid prefix v%d codec=%x mh=%x", p.Version, p.Codec, p.MhType)
	}
	return nil
}

// Verify returns ErrMismatch unless data hashes to id.
func Verify(id cid.Cid, data []byte) error {
	got, err := Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return ErrMismatch
	}
	return nil
}
