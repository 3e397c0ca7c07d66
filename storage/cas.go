package storage

import (
	"context"

	"github.com/ipfs/go-cid"
)

// CAS is the content store capability.
//
// Contract:
// - Put MUST be idempotent and return the CIDv1 raw + sha2-256 digest of the bytes written.
// - Stored objects MUST be immutable.
// - Get MUST return ErrNotFound when the CID is absent.
// - Backends that cannot be reached MUST return an error wrapping ErrUnavailable.
//
// mediaHint is advisory (e.g. "audio/mpeg"); backends may record it or ignore it.
type CAS interface {
	Put(ctx context.Context, data []byte, mediaHint string) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) (bool, error)
}
