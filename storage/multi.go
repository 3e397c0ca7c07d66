package storage

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// MultiCAS provides deterministic, ordered fallback across multiple CAS adapters.
//
// Hydration order is the slice order in Adapters; callers MUST supply a fixed order.
//
// Put is defined to write only to the first adapter.
type MultiCAS struct {
	Adapters []CAS
}

var _ CAS = MultiCAS{}

func (m MultiCAS) Put(ctx context.Context, data []byte, mediaHint string) (cid.Cid, error) {
	if len(m.Adapters) == 0 {
		return cid.Undef, errors.New("storage: MultiCAS has no adapters")
	}
	return m.Adapters[0].Put(ctx, data, mediaHint)
}

// Get returns the first hit. An unavailable adapter is skipped; if no adapter
// had the object and at least one was unavailable, the result is ErrUnavailable
// rather than ErrNotFound, since the object may live on the unreachable one.
func (m MultiCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	var unavailable error
	for _, cas := range m.Adapters {
		b, err := cas.Get(ctx, id)
		if err == nil {
			return b, nil
		}
		if IsNotFound(err) {
			continue
		}
		if IsUnavailable(err) {
			unavailable = err
			continue
		}
		return nil, err
	}
	if unavailable != nil {
		return nil, unavailable
	}
	return nil, ErrNotFound
}

func (m MultiCAS) Has(ctx context.Context, id cid.Cid) (bool, error) {
	var unavailable error
	for _, cas := range m.Adapters {
		ok, err := cas.Has(ctx, id)
		if err != nil {
			unavailable = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, unavailable
}
